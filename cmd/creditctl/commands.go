package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/pkg/database"
	"github.com/mwork/credit-ledger/internal/pkg/joblock"
	"github.com/mwork/credit-ledger/internal/pkg/jwt"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := openConfig()

			db, err := database.NewPostgres(cmd.Context(), cfg.DatabaseURL, database.PoolOptions{MaxOpenConns: 2})
			if err != nil {
				return err
			}
			defer database.ClosePostgres(db)

			applied, err := database.Migrate(cmd.Context(), db)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %s\n", version)
			}
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	var notify bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire batches past their expiry date",
		Long: `Expire every unexpired batch whose expiry date has passed.

With --notify (the default) the full worker run is performed: sweep, expired
notifications and expiry warnings, guarded by the same lock the worker takes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			if !notify {
				result, err := env.svc.Sweep(cmd.Context())
				if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
					return perr
				}
				return err
			}

			var locker credit.Locker
			if l := joblock.New(env.rdb); l != nil {
				locker = l
			}
			report, err := credit.NewScheduler(env.svc, env.cfg.CreditWarningLeadDays, locker).RunOnce(cmd.Context())
			if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
				return perr
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&notify, "notify", true, "also send expired notifications and expiry warnings")
	return cmd
}

func warnCmd() *cobra.Command {
	var leadDays int

	cmd := &cobra.Command{
		Use:   "warn",
		Short: "Send expiry warnings for credits expiring soon",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			if leadDays <= 0 {
				leadDays = env.cfg.CreditWarningLeadDays
			}
			result, err := env.svc.SendExpirationWarnings(cmd.Context(), leadDays)
			if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
				return perr
			}
			return err
		},
	}

	cmd.Flags().IntVar(&leadDays, "lead-days", 0, "warn about credits expiring within this many days (default from CREDIT_WARNING_LEAD_DAYS)")
	return cmd
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [user-id]",
		Short: "Show a user's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}

			env, err := openLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			balance, err := env.svc.GetBalance(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), balance)
		},
	}
}

func reconcileCmd() *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "reconcile [user-id]",
		Short: "Compare a user's aggregate with the sum of their batches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}

			env, err := openLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			result, err := env.svc.Reconcile(cmd.Context(), userID, repair)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().BoolVar(&repair, "repair", false, "rewrite the aggregate from the batches when they diverge")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a billing integration or operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch role {
			case jwt.RoleUser, jwt.RoleService, jwt.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}

			userID := uuid.New()
			if subject != "" {
				parsed, err := uuid.Parse(subject)
				if err != nil {
					return fmt.Errorf("invalid subject: %w", err)
				}
				userID = parsed
			}

			cfg := openConfig()
			token, err := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL).GenerateAccessTokenTTL(userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "user id to embed (random when empty)")
	cmd.Flags().StringVar(&role, "role", jwt.RoleService, "token role: user, service or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
