package cli

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/entitlements/pkg/config"
	"github.com/platinummonkey/entitlements/pkg/licensing"
	"github.com/platinummonkey/entitlements/pkg/service"
)

func newMigrateCommand() *Command {
	cmd := &Command{
		Name:        "migrate",
		Description: "Apply pending database migrations",
		Flags:       flag.NewFlagSet("migrate", flag.ContinueOnError),
	}
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return withServices(false, func(ctx context.Context, svc *service.Services) error {
			if svc.DB == nil {
				return fmt.Errorf("migrate requires %s storage", config.StoragePostgres)
			}
			fmt.Fprintln(output, "Database schema is up to date")
			return nil
		})
	}
	return cmd
}

func newIssueCommand() *Command {
	cmd := &Command{
		Name:        "issue",
		Description: "Issue a license for an organization",
		Flags:       flag.NewFlagSet("issue", flag.ContinueOnError),
	}
	orgID := cmd.Flags.Int64("org", 0, "Organization ID")
	tier := cmd.Flags.String("tier", string(licensing.TierBasic), "License tier (basic, professional, enterprise)")
	domains := cmd.Flags.String("domains", "", "Comma-separated authorized domains")
	features := cmd.Flags.String("features", "", "Comma-separated features added to the tier defaults")
	disabled := cmd.Flags.String("disable-features", "", "Comma-separated tier features to remove")
	expires := cmd.Flags.String("expires", "", "Expiry as RFC3339 time or a duration from now (e.g. 8760h)")
	grace := cmd.Flags.Int("grace-days", -1, "Grace period in days (default from configuration)")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *orgID <= 0 {
			return fmt.Errorf("--org is required")
		}

		issue := licensing.IssueConfig{
			Tier:              licensing.Tier(*tier),
			AuthorizedDomains: splitList(*domains),
			Features:          splitList(*features),
			DisabledFeatures:  splitList(*disabled),
		}
		if *expires != "" {
			at, err := parseExpiry(*expires, time.Now())
			if err != nil {
				return err
			}
			issue.ExpiresAt = &at
		}
		if *grace >= 0 {
			issue.GracePeriodDays = grace
		}

		return withServices(true, func(ctx context.Context, svc *service.Services) error {
			l, err := svc.Licenses.IssueLicense(ctx, *orgID, issue)
			if err != nil {
				return fmt.Errorf("failed to issue license: %w", err)
			}
			return printJSON(l)
		})
	}
	return cmd
}

func newSuspendCommand() *Command {
	cmd := &Command{
		Name:        "suspend",
		Description: "Suspend an active license",
		Flags:       flag.NewFlagSet("suspend", flag.ContinueOnError),
	}
	id := cmd.Flags.Int64("id", 0, "License ID")
	reason := cmd.Flags.String("reason", "", "Suspension reason shown on validation")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return runTransition(*id, func(ctx context.Context, svc *service.Services) (bool, error) {
			return svc.Licenses.SuspendLicense(ctx, *id, *reason)
		})
	}
	return cmd
}

func newReactivateCommand() *Command {
	cmd := &Command{
		Name:        "reactivate",
		Description: "Reactivate a suspended license",
		Flags:       flag.NewFlagSet("reactivate", flag.ContinueOnError),
	}
	id := cmd.Flags.Int64("id", 0, "License ID")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return runTransition(*id, func(ctx context.Context, svc *service.Services) (bool, error) {
			return svc.Licenses.ReactivateLicense(ctx, *id)
		})
	}
	return cmd
}

func newRevokeCommand() *Command {
	cmd := &Command{
		Name:        "revoke",
		Description: "Permanently revoke a license",
		Flags:       flag.NewFlagSet("revoke", flag.ContinueOnError),
	}
	id := cmd.Flags.Int64("id", 0, "License ID")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return runTransition(*id, func(ctx context.Context, svc *service.Services) (bool, error) {
			return svc.Licenses.RevokeLicense(ctx, *id)
		})
	}
	return cmd
}

func runTransition(id int64, fn func(ctx context.Context, svc *service.Services) (bool, error)) error {
	if id <= 0 {
		return fmt.Errorf("--id is required")
	}
	return withServices(true, func(ctx context.Context, svc *service.Services) error {
		changed, err := fn(ctx, svc)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"license_id": id, "changed": changed})
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseExpiry accepts an RFC3339 time or a positive duration from now
func parseExpiry(s string, now time.Time) (time.Time, error) {
	if at, err := time.Parse(time.RFC3339, s); err == nil {
		return at.UTC(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("invalid --expires %q: want RFC3339 or a positive duration", s)
	}
	return now.Add(d).UTC(), nil
}
