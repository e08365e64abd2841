// cmd/kernelctl/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"actionplane/internal/audit"
	"actionplane/internal/identity"
	"actionplane/pkg/config"
	"actionplane/pkg/db"
	"actionplane/pkg/logger"
)

// kernelctl provisions tenants, API keys and verification tokens directly
// against the database, out of band of the HTTP API. Every mutation leaves
// a system-actor audit row.

var rootCmd = &cobra.Command{
	Use:   "kernelctl",
	Short: "Operator tooling for the action kernel",
}

func main() {
	rootCmd.AddCommand(tenantCmd(), keyCmd(), verifyTokenCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type ctl struct {
	cfg   config.Config
	store identity.Store
	sink  audit.Sink
}

func open(ctx context.Context) (*ctl, error) {
	cfg := config.Load()
	log := logger.New(cfg.Env)
	pool := db.MustConnect(cfg, log)
	if pool == nil {
		return nil, fmt.Errorf("kernelctl needs DATABASE_URL; there is nothing to provision in-memory")
	}
	if err := identity.EnsureSchema(ctx, pool); err != nil {
		return nil, err
	}
	if err := audit.EnsureSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &ctl{
		cfg:   cfg,
		store: identity.NewPostgresStore(pool),
		sink:  audit.NewPostgresSink(pool),
	}, nil
}

// record writes the audit row synchronously; the CLI has no background
// writer to hand it to.
func (c *ctl) record(ctx context.Context, action, tenantID, msg string) {
	e := audit.Entry{
		ID:        uuid.NewString(),
		Time:      time.Now().UTC(),
		TenantID:  tenantID,
		ActorType: audit.ActorSystem,
		ActorID:   "kernelctl",
		Action:    action,
		Outcome:   "allowed",
		Message:   msg,
	}
	if err := c.sink.WriteAudit(ctx, []audit.Entry{e}); err != nil {
		fmt.Fprintln(os.Stderr, "audit write failed:", err)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Manage tenants"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant (starts unverified)",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			tier, _ := cmd.Flags().GetString("tier")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			ctx := cmd.Context()
			c, err := open(ctx)
			if err != nil {
				return err
			}
			if _, ok := c.cfg.Tiers[tier]; !ok {
				return fmt.Errorf("unknown tier %q", tier)
			}
			t := &identity.Tenant{
				ID:        uuid.NewString(),
				Name:      name,
				Tier:      tier,
				CreatedAt: time.Now().UTC(),
			}
			if err := c.store.CreateTenant(ctx, t); err != nil {
				return err
			}
			c.record(ctx, "ctl.tenant.create", t.ID, "tenant "+name)
			printJSON(map[string]any{"id": t.ID, "name": t.Name, "tier": t.Tier, "verified": t.Verified})
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant display name")
	createCmd.Flags().String("tier", "free", "Rate-limit tier")

	showCmd := &cobra.Command{
		Use:   "show <tenant-id>",
		Short: "Show a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := open(ctx)
			if err != nil {
				return err
			}
			t, err := c.store.GetTenant(ctx, args[0])
			if err != nil {
				return err
			}
			printJSON(map[string]any{
				"id": t.ID, "name": t.Name, "tier": t.Tier,
				"verified": t.Verified, "created_at": t.CreatedAt,
			})
			return nil
		},
	}

	setTierCmd := &cobra.Command{
		Use:   "set-tier <tenant-id>",
		Short: "Move a tenant onto another rate-limit tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, _ := cmd.Flags().GetString("tier")
			ctx := cmd.Context()
			c, err := open(ctx)
			if err != nil {
				return err
			}
			if _, ok := c.cfg.Tiers[tier]; !ok {
				return fmt.Errorf("unknown tier %q", tier)
			}
			if err := c.store.SetTenantTier(ctx, args[0], tier); err != nil {
				return err
			}
			c.record(ctx, "ctl.tenant.set_tier", args[0], "tier "+tier)
			fmt.Println("tier updated")
			return nil
		},
	}
	setTierCmd.Flags().String("tier", "", "Target tier")

	cmd.AddCommand(createCmd, showCmd, setTierCmd)
	return cmd
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "Manage API keys"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key; the secret is printed once and never stored",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, _ := cmd.Flags().GetString("tenant")
			name, _ := cmd.Flags().GetString("name")
			rawScopes, _ := cmd.Flags().GetStringSlice("scopes")
			days, _ := cmd.Flags().GetInt("expires-in-days")
			if tenantID == "" {
				return fmt.Errorf("--tenant is required")
			}
			scopes, err := identity.ParseScopes(rawScopes)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := open(ctx)
			if err != nil {
				return err
			}
			if _, err := c.store.GetTenant(ctx, tenantID); err != nil {
				return err
			}
			secret, err := identity.MintSecret()
			if err != nil {
				return err
			}
			prefix, _ := identity.LookupPrefix(secret)
			cred := &identity.Credential{
				ID:         uuid.NewString(),
				TenantID:   tenantID,
				Name:       name,
				Prefix:     prefix,
				SecretHash: identity.HashSecret(secret),
				Scopes:     scopes,
				CreatedAt:  time.Now().UTC(),
			}
			if days > 0 {
				exp := cred.CreatedAt.AddDate(0, 0, days)
				cred.ExpiresAt = &exp
			}
			if err := c.store.CreateCredential(ctx, cred); err != nil {
				return err
			}
			c.record(ctx, "ctl.key.create", tenantID, "key "+cred.ID)
			out := map[string]any{
				"id":     cred.ID,
				"secret": secret,
				"scopes": identity.ScopeStrings(cred.Scopes),
			}
			if cred.ExpiresAt != nil {
				out["expires_at"] = cred.ExpiresAt
			}
			printJSON(out)
			fmt.Fprintln(os.Stderr, "store the secret now; it cannot be shown again")
			return nil
		},
	}
	createCmd.Flags().String("tenant", "", "Owning tenant id")
	createCmd.Flags().String("name", "", "Key label")
	createCmd.Flags().StringSlice("scopes", nil, "Scopes to grant (e.g. iam:read,webhooks:write)")
	createCmd.Flags().Int("expires-in-days", 0, "Expiry in days (0 = never)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, _ := cmd.Flags().GetString("tenant")
			if tenantID == "" {
				return fmt.Errorf("--tenant is required")
			}
			ctx := cmd.Context()
			c, err := open(ctx)
			if err != nil {
				return err
			}
			creds, err := c.store.ListCredentials(ctx, tenantID)
			if err != nil {
				return err
			}
			views := make([]map[string]any, 0, len(creds))
			for _, cr := range creds {
				v := map[string]any{
					"id":         cr.ID,
					"name":       cr.Name,
					"prefix":     cr.Prefix,
					"scopes":     identity.ScopeStrings(cr.Scopes),
					"created_at": cr.CreatedAt,
					"revoked":    cr.Revoked(),
				}
				if cr.ExpiresAt != nil {
					v["expires_at"] = cr.ExpiresAt
				}
				views = append(views, v)
			}
			printJSON(views)
			return nil
		},
	}
	listCmd.Flags().String("tenant", "", "Owning tenant id")

	revokeCmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, _ := cmd.Flags().GetString("tenant")
			if tenantID == "" {
				return fmt.Errorf("--tenant is required")
			}
			ctx := cmd.Context()
			c, err := open(ctx)
			if err != nil {
				return err
			}
			if err := c.store.RevokeCredential(ctx, tenantID, args[0], time.Now().UTC()); err != nil {
				return err
			}
			c.record(ctx, "ctl.key.revoke", tenantID, "key "+args[0])
			fmt.Println("revoked")
			return nil
		},
	}
	revokeCmd.Flags().String("tenant", "", "Owning tenant id")

	cmd.AddCommand(createCmd, listCmd, revokeCmd)
	return cmd
}

func verifyTokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "verify-token", Short: "Manage verification tokens"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a single-use verification token for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, _ := cmd.Flags().GetString("tenant")
			if tenantID == "" {
				return fmt.Errorf("--tenant is required")
			}
			ctx := cmd.Context()
			c, err := open(ctx)
			if err != nil {
				return err
			}
			t, err := c.store.GetTenant(ctx, tenantID)
			if err != nil {
				return err
			}
			if t.Verified {
				return fmt.Errorf("tenant %s is already verified", tenantID)
			}
			verifier := identity.NewVerifier(c.store, c.cfg.VerificationTokenTTL)
			raw, err := verifier.Issue(ctx, tenantID)
			if err != nil {
				return err
			}
			c.record(ctx, "ctl.verify_token.create", tenantID, "")
			printJSON(map[string]any{
				"token":      raw,
				"expires_in": c.cfg.VerificationTokenTTL.String(),
			})
			fmt.Fprintln(os.Stderr, "hand the token to the tenant; it is consumed by iam.verify")
			return nil
		},
	}
	createCmd.Flags().String("tenant", "", "Tenant id")

	cmd.AddCommand(createCmd)
	return cmd
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
