package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentfold/warden/internal/config"
	"github.com/agentfold/warden/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List supervised runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := session.List()
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		fmt.Printf("%s%-5s %-10s %-10s %-8s %-20s %s%s\n",
			colorBold, "ID", "AGENT", "STATUS", "PID", "STARTED", "DIR", colorReset)
		for _, s := range sessions {
			color := colorDim
			switch s.Status {
			case session.StatusRunning, session.StatusStarting:
				color = styleBoldGreen
			case session.StatusError, session.StatusDead:
				color = styleBoldRed
			}
			fmt.Printf("%-5d %-10s %s%-10s%s %-8d %-20s %s\n",
				s.ID, s.Agent, color, s.Status, colorReset, s.PID,
				s.StartedAt.Local().Format("2006-01-02 15:04:05"), s.WorkDir)
		}
		return nil
	},
}

var sessionsRmCmd = &cobra.Command{
	Use:   "rm <session-id>",
	Short: "Remove a finished session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid session id %q", args[0])
		}
		return session.Remove(id)
	},
}

var sessionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove finished sessions past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		maxAge := cfg.SessionRetention()
		if maxAge <= 0 {
			maxAge = 14 * 24 * time.Hour
		}
		removed := session.CleanupOld(maxAge)
		fmt.Printf("Removed %d session(s).\n", removed)
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsRmCmd)
	sessionsCmd.AddCommand(sessionsCleanupCmd)
	rootCmd.AddCommand(sessionsCmd)
}
