package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/developingchet/trafficguard/internal/access"
	"github.com/developingchet/trafficguard/internal/bouncer"
	"github.com/developingchet/trafficguard/internal/config"
	"github.com/developingchet/trafficguard/internal/guard"
	"github.com/developingchet/trafficguard/internal/identity"
	"github.com/developingchet/trafficguard/internal/logger"
	"github.com/developingchet/trafficguard/internal/quota"
	"github.com/developingchet/trafficguard/internal/storage"
	"github.com/spf13/cobra"
)

// withCore opens the configured store and builds the components for a
// one-shot admin command. The bbolt file is locked by a running daemon, so
// against bbolt these commands are for maintenance windows; use the admin
// API while the daemon runs.
func withCore(fn func(ctx context.Context, core *bouncer.Core) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	ctx := context.Background()

	store, err := storage.Open(ctx, cfg.StorageOptions())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	core, err := bouncer.NewCore(cfg, store, nil, log)
	if err != nil {
		return err
	}
	return fn(ctx, core)
}

// subjectArg normalises "1.2.3.4", "user:42" or "key:<digest>".
func subjectArg(s string) string {
	return guard.Subject(identity.Parse(s))
}

func blockCmd() *cobra.Command {
	var reason string
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "block <identity>",
		Short: "Block an address, user or API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(ctx context.Context, core *bouncer.Core) error {
				subject := subjectArg(args[0])
				applied, err := core.Access.Block(ctx, subject, reason, duration, access.SourceAdmin)
				if err != nil {
					return err
				}
				if !applied {
					return fmt.Errorf("%s is allow-listed; run disallow first", subject)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "blocked %s\n", subject)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual block", "reason recorded on the block")
	cmd.Flags().DurationVar(&duration, "duration", 0, "block duration; 0 blocks permanently")
	return cmd
}

func unblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <identity>",
		Short: "Lift a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(ctx context.Context, core *bouncer.Core) error {
				subject := subjectArg(args[0])
				if err := core.Access.Unblock(ctx, subject); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unblocked %s\n", subject)
				return nil
			})
		},
	}
}

func allowCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "allow <identity>",
		Short: "Add an identity to the allow-list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(ctx context.Context, core *bouncer.Core) error {
				subject := subjectArg(args[0])
				if err := core.Access.Allow(ctx, subject, note); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "allow-listed %s\n", subject)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "free-form note stored with the entry")
	return cmd
}

func disallowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disallow <identity>",
		Short: "Remove an identity from the allow-list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(ctx context.Context, core *bouncer.Core) error {
				subject := subjectArg(args[0])
				if err := core.Access.Disallow(ctx, subject); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s from the allow-list\n", subject)
				return nil
			})
		},
	}
}

func blocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blocks",
		Short: "List active blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(ctx context.Context, core *bouncer.Core) error {
				recs, err := core.Access.Blocks(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "IDENTITY\tSOURCE\tEXPIRES\tREASON")
				for _, rec := range recs {
					expires := "never"
					if !rec.Permanent() {
						expires = rec.ExpiresAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rec.Identity, rec.Source, expires, rec.Reason)
				}
				return tw.Flush()
			})
		},
	}
}

func quotaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Manage per-principal quotas",
	}
	cmd.AddCommand(quotaSetCmd(), quotaRemoveCmd(), quotaShowCmd())
	return cmd
}

func quotaSetCmd() *cobra.Command {
	var a quota.Assignment
	var expires string
	cmd := &cobra.Command{
		Use:   "set <principal>",
		Short: "Assign a plan, optionally overriding its limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.Principal = subjectArg(args[0])
			if expires != "" {
				t, err := time.Parse(time.RFC3339, expires)
				if err != nil {
					return fmt.Errorf("--expires: %w", err)
				}
				a.ExpiresAt = t
			}
			return withCore(func(ctx context.Context, core *bouncer.Core) error {
				if core.Quota == nil {
					return fmt.Errorf("quotas are disabled (QUOTA_ENABLED=false)")
				}
				rec, err := core.Quota.Assign(ctx, a)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: plan %s, %d/day, %d/month\n",
					rec.Principal, rec.Plan, rec.DailyLimit, rec.MonthlyLimit)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&a.Plan, "plan", "", "plan name")
	cmd.Flags().Int64Var(&a.DailyLimit, "daily", 0, "daily limit; 0 takes the plan's")
	cmd.Flags().Int64Var(&a.MonthlyLimit, "monthly", 0, "monthly limit; 0 takes the plan's")
	cmd.Flags().StringVar(&expires, "expires", "", "RFC 3339 expiry of the assignment")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func quotaRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <principal>",
		Short: "Revoke a principal's quota",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(ctx context.Context, core *bouncer.Core) error {
				if core.Quota == nil {
					return fmt.Errorf("quotas are disabled (QUOTA_ENABLED=false)")
				}
				principal := subjectArg(args[0])
				if err := core.Quota.Remove(ctx, principal); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed quota of %s\n", principal)
				return nil
			})
		},
	}
}

func quotaShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <principal>",
		Short: "Show a principal's plan and usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(ctx context.Context, core *bouncer.Core) error {
				if core.Quota == nil {
					return fmt.Errorf("quotas are disabled (QUOTA_ENABLED=false)")
				}
				principal := subjectArg(args[0])
				st := core.Quota.HasAvailableQuota(ctx, principal)
				if st.Reason == quota.ReasonNoRecord {
					return fmt.Errorf("no quota assigned to %s", principal)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "principal: %s\nplan:      %s\n", principal, st.Plan)
				fmt.Fprintf(out, "daily:     %d/%d (resets %s)\n", st.DailyUsage, st.DailyLimit, st.DailyResetAt.UTC().Format(time.RFC3339))
				fmt.Fprintf(out, "monthly:   %d/%d (resets %s)\n", st.MonthlyUsage, st.MonthlyLimit, st.MonthlyResetAt.UTC().Format(time.RFC3339))
				if !st.Available {
					fmt.Fprintf(out, "status:    exhausted (%s)\n", st.Reason)
				}
				return nil
			})
		},
	}
}

func resetCmd() *cobra.Command {
	var rules []string
	cmd := &cobra.Command{
		Use:   "reset <identity>",
		Short: "Clear rate-limit counters, throttles and DDoS state for an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(ctx context.Context, core *bouncer.Core) error {
				subject := subjectArg(args[0])
				if err := core.Limiter.Reset(ctx, subject, rules...); err != nil {
					return err
				}
				if err := core.Limiter.Unthrottle(ctx, subject); err != nil {
					return err
				}
				if core.Monitor != nil {
					if err := core.Monitor.Reset(ctx, subject); err != nil {
						return err
					}
					if err := core.Monitor.ClearChallenge(ctx, subject); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", subject)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&rules, "rule", nil, "limit the reset to these rate-limit rules")
	return cmd
}

func attacksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attacks [id]",
		Short: "List detected traffic anomalies, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(ctx context.Context, core *bouncer.Core) error {
				if core.Monitor == nil {
					return fmt.Errorf("DDoS detection is disabled (DDOS_ENABLED=false)")
				}
				var recs []storage.AttackRecord
				if len(args) == 1 {
					rec, err := core.Monitor.Attack(ctx, args[0])
					if err != nil {
						return err
					}
					if rec == nil {
						return fmt.Errorf("attack %s not found", args[0])
					}
					recs = append(recs, *rec)
				} else {
					var err error
					if recs, err = core.Monitor.Attacks(ctx); err != nil {
						return err
					}
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tDETECTED\tIDENTITIES\tREQUESTS\tACTION\tMITIGATED")
				for _, rec := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%s\t%s\t%t\n", rec.ID, rec.DetectedAt.UTC().Format(time.RFC3339),
						strings.Join(rec.Identities, ","), rec.RequestCount, rec.Window, rec.Action, rec.Mitigated)
				}
				return tw.Flush()
			})
		},
	}
}
