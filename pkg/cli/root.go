package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/platinummonkey/entitlements/pkg/config"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/service"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// output receives command results
var output io.Writer = os.Stdout

// buildServices assembles the engines from the environment. Commands
// that only need the codec never call it.
var buildServices = func(ctx context.Context, skipMigrations bool) (*service.Services, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	return service.Build(ctx, cfg, service.Options{
		Logger:         observability.NewLogger(cfg.Observability.LogLevel, os.Stderr),
		AuditOutput:    os.Stderr,
		SkipMigrations: skipMigrations,
	})
}

// NewRootCommand creates the root command
func NewRootCommand() *Command {
	root := &Command{
		Name:        "licensectl",
		Description: "licensectl - license and entitlement operations",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("licensectl", flag.ExitOnError),
	}

	// Add subcommands
	root.Subcommands["migrate"] = newMigrateCommand()
	root.Subcommands["issue"] = newIssueCommand()
	root.Subcommands["validate"] = newValidateCommand()
	root.Subcommands["suspend"] = newSuspendCommand()
	root.Subcommands["reactivate"] = newReactivateCommand()
	root.Subcommands["revoke"] = newRevokeCommand()
	root.Subcommands["inspect"] = newInspectCommand()

	return root
}

// Execute runs the command with the process arguments
func (c *Command) Execute() error {
	return c.ExecuteArgs(os.Args[1:])
}

// ExecuteArgs runs the command with args
func (c *Command) ExecuteArgs(args []string) error {
	if len(args) == 0 {
		return c.usage()
	}

	// Check for help flag
	if strings.EqualFold(args[0], "-h") || strings.EqualFold(args[0], "--help") {
		return c.usage()
	}

	// Check for subcommand
	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage() error {
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(output, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(output, "Commands:\n")
	for _, name := range names {
		fmt.Fprintf(output, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

// withServices builds the engines, runs fn and releases them
func withServices(skipMigrations bool, fn func(ctx context.Context, svc *service.Services) error) error {
	ctx := context.Background()
	svc, err := buildServices(ctx, skipMigrations)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(output)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
