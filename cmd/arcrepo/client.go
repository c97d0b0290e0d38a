package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/netarchive/arcrepo/internal/client"
	"github.com/netarchive/arcrepo/pkg/bytesize"
	"github.com/netarchive/arcrepo/pkg/proto"
	"github.com/spf13/cobra"
)

var (
	serverURL    string
	authToken    string
	adminToken   string
	storeTimeout time.Duration
	listState    string
	jsonOutput   bool
	removeOutput string
)

func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("ARCREPO_SERVER", "http://localhost:8080"), "coordinator URL (env ARCREPO_SERVER)")
	cmd.PersistentFlags().StringVarP(&authToken, "token", "t", os.Getenv("ARCREPO_TOKEN"), "auth token (env ARCREPO_TOKEN)")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON")
}

func addAdminFlags(cmd *cobra.Command) {
	addClientFlags(cmd)
	cmd.PersistentFlags().StringVar(&adminToken, "admin-token", os.Getenv("ARCREPO_ADMIN_TOKEN"), "admin token (env ARCREPO_ADMIN_TOKEN)")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient() *client.Client {
	opts := []client.Option{client.WithAdminToken(adminToken)}
	if storeTimeout > 0 {
		opts = append(opts, client.WithStoreTimeout(storeTimeout))
	}
	return client.New(serverURL, authToken, opts...)
}

func newStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store <file>...",
		Short: "Store files on every replica",
		Long: `Upload files to the coordinator and wait until every replica holds a
verified copy. The file name in the repository is the base name of the path.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runStore,
	}
	addClientFlags(cmd)
	cmd.Flags().DurationVar(&storeTimeout, "timeout", time.Hour, "how long to wait for each store outcome")
	return cmd
}

func runStore(cmd *cobra.Command, args []string) error {
	c := newClient()
	out := cmd.OutOrStdout()

	var failed int
	for _, path := range args {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		start := time.Now()
		resp, err := c.StoreFile(cmd.Context(), path)
		switch {
		case err == nil:
			_, _ = fmt.Fprintf(out, "stored %s (%s) in %s\n", resp.Filename, bytesize.Format(info.Size()), time.Since(start).Round(time.Millisecond))
		case errors.Is(err, client.ErrStoreFailed), errors.Is(err, client.ErrChecksumConflict), errors.Is(err, client.ErrNoReply):
			failed++
			_, _ = fmt.Fprintf(out, "FAILED %s: %v\n", path, err)
		default:
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files not stored", failed, len(args))
	}
	return nil
}

func printRecords(w io.Writer, recs []proto.FileRecordView) error {
	if jsonOutput {
		return printJSON(w, recs)
	}
	if len(recs) == 0 {
		_, _ = fmt.Fprintln(w, "no files")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "FILENAME\tCHECKSUM\tREPLICA\tSTATE\tCHANGED")
	for _, rec := range recs {
		if len(rec.Replicas) == 0 {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\n", rec.Filename, rec.Checksum)
			continue
		}
		for i, rs := range rec.Replicas {
			name, sum := rec.Filename, rec.Checksum
			if i > 0 {
				name, sum = "", ""
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, sum, rs.Replica, rs.State, rs.Changed.Format(time.RFC3339))
		}
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print store outcomes as they are decided",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			err := newClient().Subscribe(ctx, func(o proto.StoreOutcome) {
				if jsonOutput {
					_ = printJSON(out, o)
					return
				}
				result := "ok"
				if !o.OK {
					result = "FAILED " + o.Reason
				}
				_, _ = fmt.Fprintf(out, "%s %s %s\n", o.Time.Format(time.RFC3339), o.Filename, result)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newAdminCmd() *cobra.Command {
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Inspect and correct admin data",
	}
	addAdminFlags(adminCmd)

	adminCmd.AddCommand(&cobra.Command{
		Use:   "show <filename>",
		Short: "Show the admin record of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := newClient().Record(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), []proto.FileRecordView{*rec})
		},
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List admin records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := newClient().List(cmd.Context(), strings.ToUpper(listState))
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), recs)
		},
	}
	listCmd.Flags().StringVar(&listState, "state", "", "only files with a replica in this state, e.g. UPLOAD_FAILED")
	adminCmd.AddCommand(listCmd)

	adminCmd.AddCommand(&cobra.Command{
		Use:   "set-state <filename> <replica> <state>",
		Short: "Force the store state of a file on a replica",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := newClient().SetState(cmd.Context(), args[0], args[1], strings.ToUpper(args[2]))
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), []proto.FileRecordView{*rec})
		},
	})

	adminCmd.AddCommand(&cobra.Command{
		Use:   "set-checksum <filename> <checksum>",
		Short: "Override the expected checksum of a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := newClient().SetChecksum(cmd.Context(), args[0], strings.ToLower(args[1]))
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), []proto.FileRecordView{*rec})
		},
	})

	removeCmd := &cobra.Command{
		Use:   "remove <filename> <replica> <checksum>",
		Short: "Take a corrupt copy out of a bitstream replica",
		Long: `Remove the copy of a file whose checksum differs from the recorded one
from a bitstream replica. The removed bytes are written to --output.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if removeOutput == "" {
				return fmt.Errorf("--output is required")
			}
			data, err := newClient().RemoveAndGet(cmd.Context(), args[0], args[1], strings.ToLower(args[2]))
			if err != nil {
				return err
			}
			if err := os.WriteFile(removeOutput, data, 0600); err != nil {
				return fmt.Errorf("write %s: %w", removeOutput, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %s, %s written to %s\n",
				args[0], args[1], bytesize.Format(int64(len(data))), removeOutput)
			return nil
		},
	}
	removeCmd.Flags().StringVarP(&removeOutput, "output", "o", "", "file receiving the removed bytes")
	adminCmd.AddCommand(removeCmd)

	return adminCmd
}

func newReplicasCmd() *cobra.Command {
	replicasCmd := &cobra.Command{
		Use:   "replicas",
		Short: "List replicas and query their contents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			replicas, err := newClient().Replicas(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, replicas)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tKIND\tCHANNEL")
			for _, r := range replicas {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, r.Kind, r.Channel)
			}
			return tw.Flush()
		},
	}
	addAdminFlags(replicasCmd)

	replicasCmd.AddCommand(&cobra.Command{
		Use:   "checksums <replica>",
		Short: "Print the checksum of every file on a replica",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := newClient().ReplicaChecksums(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printLines(cmd.OutOrStdout(), lines)
		},
	})

	replicasCmd.AddCommand(&cobra.Command{
		Use:   "filenames <replica>",
		Short: "Print the name of every file on a replica",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := newClient().ReplicaFilenames(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printLines(cmd.OutOrStdout(), names)
		},
	})

	return replicasCmd
}

func printLines(w io.Writer, lines []string) error {
	if jsonOutput {
		return printJSON(w, lines)
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}
