package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentfold/warden/internal/buildinfo"
	"github.com/agentfold/warden/internal/debug"
)

const (
	// ANSI color codes
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"

	// Combined styles
	styleBoldCyan   = "\033[1;36m"
	styleBoldGreen  = "\033[1;32m"
	styleBoldYellow = "\033[1;33m"
	styleBoldRed    = "\033[1;31m"
	styleBoldWhite  = "\033[1;37m"
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Supervise AI agent CLI processes",
	Long: colorBold + `
 __      ____ _ _ __ __| | ___ _ __
 \ \ /\ / / _` + "`" + ` | '__/ _` + "`" + ` |/ _ \ '_ \
  \ V  V / (_| | | | (_| |  __/ | | |
   \_/\_/ \__,_|_|  \__,_|\___|_| |_|` + colorReset + `

  ` + styleBoldCyan + `warden` + colorReset + ` v` + buildinfo.Current().Version + `

  warden spawns AI agent CLIs (claude and compatible tools), speaks their
  stream-json control protocol, gates tool calls behind approvals, and
  keeps a reviewable log of every run.

` + colorBold + `Getting Started:` + colorReset + `
  warden run "fix the failing tests"    Run the default agent
  warden run --auto-approve "..."       Skip approval prompts
  warden sessions                       List runs
  warden attach 3                       Reattach to a running session

` + colorBold + `More Info:` + colorReset + `
  https://github.com/agentfold/warden`,

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.warden/debug/")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
		bi := buildinfo.Current()
		debug.LogKV("cli", "warden starting",
			"version", bi.Version,
			"commit", bi.CommitHash,
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		bi := buildinfo.Current()
		fmt.Printf("warden %s (commit %s, built %s)\n", bi.Version, bi.CommitHash, bi.BuildDate)
	},
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%sError:%s %v\n", styleBoldRed, colorReset, err)
		debug.Close()
		os.Exit(1)
	}
}
