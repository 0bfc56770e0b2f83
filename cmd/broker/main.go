package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/topicbroker/pkg/log"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootLog zerolog.Logger

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "A topic-based publish/subscribe messaging broker",
	Long: `broker runs one candidate of a leader-elected, topic-based
publish/subscribe messaging broker: publishers and subscribers register
over a JSON/TCP protocol, and the active leader disseminates messages
either by forwarding them itself (centralized mode) or by pointing
subscribers at publisher addresses (decentralized mode).`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"broker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(membersCmd)
	rootCmd.AddCommand(electionStatusCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	rootLog = log.New(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
