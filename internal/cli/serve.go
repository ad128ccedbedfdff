package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cdprelay/cdprelay/internal/config"
	"github.com/cdprelay/cdprelay/internal/logx"
	"github.com/cdprelay/cdprelay/internal/relay"
)

var (
	servePort           int
	serveHost           string
	serveToken          string
	serveClientRoot     string
	serveLogFile        string
	serveSeparateWindow bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay in the foreground",
	Long: `Binds the configured port and relays CDP traffic between clients and the
browser extension until interrupted.

Apart from opening the log file, the port is bound before any other startup
work: a bind failure exits with
a port-in-use error, and a successful bind is what the lifecycle supervisor
treats as "this instance is ready".`,
	RunE: runServe,
}

func init() {
	cfg := config.DefaultConfig()
	serveCmd.Flags().IntVar(&servePort, "port", cfg.Port, "Port to bind")
	serveCmd.Flags().StringVar(&serveHost, "host", cfg.Host, "Host to bind (use a non-loopback address only with --token set)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Auth token required for non-loopback connections")
	serveCmd.Flags().StringVar(&serveClientRoot, "client-root", cfg.ClientRoot, "Path segment preceding <clientId> on the client WebSocket endpoint")
	serveCmd.Flags().StringVar(&serveLogFile, "log-file", cfg.LogFile, "Log file path")
	serveCmd.Flags().BoolVar(&serveSeparateWindow, "separate-window", false, "Record the separate-window preference in the config (the relay does not send it to the extension)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Config{
		Port:           servePort,
		Host:           serveHost,
		Token:          serveToken,
		ClientRoot:     serveClientRoot,
		LogFile:        serveLogFile,
		SeparateWindow: serveSeparateWindow,
		Debug:          Debug,
	}

	logFile, err := logx.OpenLogFile(cfg.LogFile)
	if err != nil {
		return reportError(fmt.Errorf("open log file %s: %w", cfg.LogFile, err))
	}
	defer logFile.Close()

	log := logx.New(logFile, cfg.Debug)
	logx.Param(log, "starting cdprelay", "port", cfg.Port, "host", cfg.Host, "clientRoot", cfg.ClientRoot, "version", config.Version)

	srv := relay.New(cfg, log)
	if err := srv.Bind(); err != nil {
		printStartupError(err)
		return reportError(err)
	}

	if !isQuietOutput() {
		fmt.Fprintf(os.Stdout, "cdprelay %s listening on %s:%d\n", config.Version, cfg.Host, cfg.Port)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return reportError(err)
	}
	return nil
}

// printStartupError surfaces a bind failure distinctly so operators driving
// the lifecycle supervisor can tell a port-in-use exit from any other
// failure at a glance.
func printStartupError(err error) {
	if errors.Is(err, relay.ErrPortInUse) {
		fmt.Fprintf(os.Stderr, "cdprelay: port already in use: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "cdprelay: %v\n", err)
}

// isQuietOutput reports whether stdout is not a terminal, so scripted
// callers piping our output don't get a banner line mixed in.
func isQuietOutput() bool {
	return !term.IsTerminal(int(os.Stdout.Fd()))
}
