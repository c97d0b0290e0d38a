// arcrepo replicates archive files to a fixed set of bitstream and checksum
// replicas and keeps their admin data.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/netarchive/arcrepo/internal/logging/loki"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile    string
	logLevel   string
	serviceRun bool

	// logOutput is the local log destination chosen by setupLogging.
	logOutput io.Writer = os.Stderr
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "arcrepo",
		Short: "arcrepo - replicated archive repository",
		Long: `arcrepo stores archive files on every configured replica and verifies
each copy by checksum before answering the caller.

RUNNING:

  # Coordinator with its admin database, staging area and HTTP API:
  arcrepo serve --config /etc/arcrepo/server.yaml

  # Replica node (bitstream or checksum):
  arcrepo replica --config /etc/arcrepo/replica.yaml

STORING AND INSPECTING FILES:

  arcrepo store 2024-01-01.warc.gz --server http://archive:8080 --token $TOKEN
  arcrepo admin show 2024-01-01.warc.gz
  arcrepo admin list --state UPLOAD_FAILED
  arcrepo watch

OPERATOR CORRECTIONS:

  arcrepo admin set-state 2024-01-01.warc.gz ONE UPLOAD_COMPLETED
  arcrepo admin remove 2024-01-01.warc.gz ONE <checksum> --output bad.warc.gz

For more help on any command, use: arcrepo <command> --help`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newReplicaCmd())
	rootCmd.AddCommand(newStoreCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newAdminCmd())
	rootCmd.AddCommand(newReplicasCmd())
	rootCmd.AddCommand(newServiceCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "arcrepo %s\n", Version)
			_, _ = fmt.Fprintf(out, "  commit: %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  built:  %s\n", BuildTime)
			_, _ = fmt.Fprintf(out, "  go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	})

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logOutput = zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = log.Output(logOutput)
}

// setupServiceLogging writes to a log file as well as stderr, since the
// service manager may not capture stderr.
func setupServiceLogging(mode string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logPath := fmt.Sprintf("/var/log/arcrepo-%s.log", mode)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logOutput = zerolog.ConsoleWriter{Out: os.Stderr}
	} else {
		logOutput = zerolog.ConsoleWriter{Out: io.MultiWriter(logFile, os.Stderr), TimeFormat: time.RFC3339}
	}
	log.Logger = log.Output(logOutput)
}

// shipLogs adds a Loki writer next to the local log output. The returned
// function flushes it.
func shipLogs(url string, labels map[string]string) (func(), error) {
	if url == "" {
		return func() {}, nil
	}
	w, err := loki.NewWriter(loki.Config{URL: url, Labels: labels})
	if err != nil {
		return nil, err
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(logOutput, w))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.Close(ctx)
	}, nil
}
