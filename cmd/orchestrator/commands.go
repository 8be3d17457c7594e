package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/dny1020/outdial-orchestrator/internal/auth"
	"github.com/dny1020/outdial-orchestrator/internal/breaker"
	"github.com/dny1020/outdial-orchestrator/internal/config"
	"github.com/dny1020/outdial-orchestrator/internal/db"
	"github.com/dny1020/outdial-orchestrator/internal/kv"
	"github.com/dny1020/outdial-orchestrator/internal/metrics"
	"github.com/dny1020/outdial-orchestrator/internal/models"
)

func secondsDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func newTokenService(cfg *config.Config, store *kv.Store) *auth.TokenService {
	return auth.NewTokenService(auth.Config{
		SecretKey:     cfg.JWT.SecretKey,
		AccessExpiry:  time.Duration(cfg.JWT.AccessExpireMinutes) * time.Minute,
		RefreshExpiry: time.Duration(cfg.JWT.RefreshExpireDays) * 24 * time.Hour,
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
	}, store)
}

// breakerGaugeLoop publishes breaker and socket state every few seconds
func breakerGaugeLoop(pm *metrics.PrometheusMetrics, pbx interface{ IsEventStreamConnected() bool },
	breakers ...*breaker.Breaker) {

	stateValue := func(s breaker.State) float64 {
		switch s {
		case breaker.StateHalfOpen:
			return 1
		case breaker.StateOpen:
			return 2
		default:
			return 0
		}
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		for _, b := range breakers {
			pm.SetGauge("breaker_state", stateValue(b.State()), map[string]string{"operation": b.Name()})
		}
		connected := float64(0)
		if pbx.IsEventStreamConnected() {
			connected = 1
		}
		pm.SetGauge("event_stream_connected", connected, nil)
	}
}

func createMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigAndLogger()
			if err != nil {
				return err
			}

			database, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			return db.RunDatabaseMigrations(database.DB)
		},
	}
}

func createUserCommand() *cobra.Command {
	var (
		password    string
		email       string
		fullName    string
		isSuperuser bool
	)

	cmd := &cobra.Command{
		Use:   "create-user <username>",
		Short: "Create an API operator account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]
			if len(username) < 3 {
				return fmt.Errorf("username must be at least 3 characters")
			}
			if password == "" {
				return fmt.Errorf("--password is required")
			}

			cfg, err := loadConfigAndLogger()
			if err != nil {
				return err
			}

			database, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			users := db.NewUserStore(database)
			ctx := context.Background()

			existing, err := users.GetByUsername(ctx, username)
			if err != nil {
				return err
			}
			if existing != nil {
				return fmt.Errorf("user %q already exists", username)
			}

			hashed, err := auth.HashPassword(password)
			if err != nil {
				return err
			}

			user := &models.User{
				Username:       username,
				Email:          email,
				FullName:       fullName,
				HashedPassword: hashed,
				IsActive:       true,
				IsSuperuser:    isSuperuser,
			}
			if err := users.Create(ctx, user); err != nil {
				return err
			}

			color.Green("User %s created (id=%d)", username, user.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&password, "password", "p", "", "Password for the new account")
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&fullName, "full-name", "", "Display name")
	cmd.Flags().BoolVar(&isSuperuser, "superuser", false, "Grant superuser privileges")

	return cmd
}

func createCallsCommand() *cobra.Command {
	callsCmd := &cobra.Command{
		Use:   "calls",
		Short: "Inspect call records",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigAndLogger()
			if err != nil {
				return err
			}

			database, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			calls, err := db.NewCallStore(database).ListRecent(context.Background(), limit)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Call ID", "Number", "Status", "Channel", "Created", "Duration", "Version"})

			for _, call := range calls {
				duration := "-"
				if call.Duration != nil {
					duration = fmt.Sprintf("%ds", *call.Duration)
				}
				table.Append([]string{
					call.CallID,
					call.PhoneNumber,
					colorStatus(call.Status),
					call.Channel,
					call.CreatedAt.Format(time.RFC3339),
					duration,
					fmt.Sprintf("%d", call.Version),
				})
			}

			table.Render()
			return nil
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum rows")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show call counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigAndLogger()
			if err != nil {
				return err
			}

			database, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			counts, err := db.NewCallStore(database).CountByStatus(context.Background())
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Status", "Count"})
			for status, count := range counts {
				table.Append([]string{colorStatus(status), fmt.Sprintf("%d", count)})
			}
			table.Render()
			return nil
		},
	}

	callsCmd.AddCommand(listCmd, statsCmd)
	return callsCmd
}

func colorStatus(status models.CallStatus) string {
	switch status {
	case models.CallStatusCompleted:
		return color.GreenString(string(status))
	case models.CallStatusFailed, models.CallStatusBusy, models.CallStatusNoAnswer:
		return color.RedString(string(status))
	case models.CallStatusAnswered, models.CallStatusRinging, models.CallStatusDialing:
		return color.YellowString(string(status))
	default:
		return string(status)
	}
}
