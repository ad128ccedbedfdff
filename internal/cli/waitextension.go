package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cdprelay/cdprelay/internal/config"
	"github.com/cdprelay/cdprelay/internal/extwait"
)

var (
	waitExtPort    int
	waitExtHost    string
	waitExtTimeout time.Duration
)

var waitExtensionCmd = &cobra.Command{
	Use:   "wait-extension",
	Short: "Block until the browser extension connects",
	Long: `Polls /extension-status until the extension reports a connection with at
least one page attached, or until --timeout elapses. Intended for the
human-in-the-loop bring-up step: start the relay, prompt the user to click
the extension icon, then run this to know when it is safe to proceed.`,
	RunE: runWaitExtension,
}

func init() {
	cfg := config.DefaultConfig()
	waitExtensionCmd.Flags().IntVar(&waitExtPort, "port", cfg.Port, "Relay port to poll")
	waitExtensionCmd.Flags().StringVar(&waitExtHost, "host", cfg.Host, "Relay host to poll")
	waitExtensionCmd.Flags().DurationVar(&waitExtTimeout, "timeout", 60*time.Second, "Maximum time to wait")
	rootCmd.AddCommand(waitExtensionCmd)
}

func runWaitExtension(cmd *cobra.Command, args []string) error {
	err := extwait.Wait(context.Background(), extwait.Options{
		Host:    waitExtHost,
		Port:    waitExtPort,
		Timeout: waitExtTimeout,
	})
	if err != nil {
		return reportError(err)
	}
	fmt.Println("extension connected")
	return nil
}
