package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/mkatzman/valet/internal/config"
	"github.com/mkatzman/valet/internal/models"
	"github.com/mkatzman/valet/internal/store"
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "valet.yaml", "path to Valet config file")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := connectFromConfig(cfg)
	if err != nil {
		return err
	}
	st, err := store.New(gormDB)
	if err != nil {
		return err
	}

	users, err := st.Users()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Users: %d\n", len(users))
	for _, u := range users {
		names, err := st.UserPlugins(u.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %s (%s): %d plugins\n", u.Name, u.ChatUserID, len(names))
	}

	depth, err := queueDepth(gormDB)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Queued items: %d\n", depth)

	habits, err := st.RecentHabitLogs(5)
	if err != nil {
		return err
	}
	payments, err := st.RecentPaymentLogs(5)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Recent habit check-ins: %d\n", len(habits))
	for _, h := range habits {
		fmt.Fprintf(out, "  %s: %s (%s)\n", h.Habit, h.Outcome, h.CreatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(out, "Recent payments: %d\n", len(payments))
	for _, p := range payments {
		fmt.Fprintf(out, "  %s: %.2f %s (%s)\n", p.Payee, p.Amount, p.Currency, p.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

// queueDepth counts all rows in the durable queue table.
func queueDepth(db *gorm.DB) (int64, error) {
	var count int64
	if err := db.Model(&models.QueueItem{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count queue items: %w", err)
	}
	return count, nil
}
