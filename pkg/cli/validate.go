package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/platinummonkey/entitlements/pkg/licensekey"
	"github.com/platinummonkey/entitlements/pkg/service"
)

func newValidateCommand() *Command {
	cmd := &Command{
		Name:        "validate",
		Description: "Validate a license key against the license records",
		Flags:       flag.NewFlagSet("validate", flag.ContinueOnError),
	}
	key := cmd.Flags.String("key", "", "License key")
	domain := cmd.Flags.String("domain", "", "Domain to check against the allow-list")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *key == "" {
			return fmt.Errorf("--key is required")
		}
		return withServices(true, func(ctx context.Context, svc *service.Services) error {
			result, err := svc.Licenses.ValidateLicense(ctx, *key, *domain)
			if err != nil {
				return fmt.Errorf("license is not valid: %w", err)
			}
			return printJSON(result)
		})
	}
	return cmd
}

// InspectResult is the offline view of a key
type InspectResult struct {
	Masked         string `json:"masked"`
	Version        byte   `json:"version"`
	OrganizationID int64  `json:"organization_id"`
	IssuedAt       string `json:"issued_at"`
	KeyHash        string `json:"key_hash"`
}

func newInspectCommand() *Command {
	cmd := &Command{
		Name:        "inspect",
		Description: "Verify a key signature offline and print its claims",
		Flags:       flag.NewFlagSet("inspect", flag.ContinueOnError),
	}
	key := cmd.Flags.String("key", "", "License key")
	secret := cmd.Flags.String("secret", "", "Signing secret (default $ENT_LICENSE_SIGNING_SECRET)")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *key == "" {
			return fmt.Errorf("--key is required")
		}
		signing := *secret
		if signing == "" {
			signing = os.Getenv("ENT_LICENSE_SIGNING_SECRET")
		}
		if len(signing) < licensekey.MinSecretLength {
			return fmt.Errorf("signing secret must be at least %d bytes", licensekey.MinSecretLength)
		}

		claims, err := licensekey.NewCodec([]byte(signing)).Parse(*key)
		if err != nil {
			return fmt.Errorf("key rejected: %w", err)
		}
		return printJSON(InspectResult{
			Masked:         licensekey.Mask(*key),
			Version:        claims.Version,
			OrganizationID: claims.OrganizationID,
			IssuedAt:       claims.IssuedAt.Format("2006-01-02T15:04:05Z07:00"),
			KeyHash:        licensekey.Hash(*key),
		})
	}
	return cmd
}
