package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ingestd/services/ctl"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	apiBase    string
}

func (f *rootFlags) client() (*ctl.Client, error) {
	path := f.configPath
	explicit := path != ""
	if !explicit {
		path = ctl.DefaultConfigPath()
	}
	cfg, err := ctl.LoadConfig(path, explicit)
	if err != nil {
		return nil, err
	}

	base := f.apiBase
	if base == "" {
		base = cfg.APIBase
	}
	if base == "" {
		base = os.Getenv("INGEST_API")
	}
	if base == "" {
		return nil, fmt.Errorf("api base url is required (--api, config api_base, or INGEST_API)")
	}
	return ctl.NewClient(base, nil)
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "ingestctl",
		Short:         "Client for the test-run artifact ingest API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to the ingestctl config file")
	cmd.PersistentFlags().StringVar(&flags.apiBase, "api", "", "Base URL of the ingest API (e.g. https://ingest.example.com)")

	cmd.AddCommand(newUploadCommand(flags))
	cmd.AddCommand(newOpsCommand(flags))
	cmd.AddCommand(newEventsCommand())
	return cmd
}

func newEventsCommand() *cobra.Command {
	var (
		natsURL string
		subject string
		durable string
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow lifecycle events from NATS, one JSON line per event",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			url := natsURL
			if url == "" {
				url = os.Getenv("NATS_URL")
			}
			if url == "" {
				return fmt.Errorf("nats url is required (--nats-url or NATS_URL)")
			}
			return ctl.FollowEvents(ctx, url, subject, durable, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS endpoint (defaults to NATS_URL)")
	cmd.Flags().StringVar(&subject, "subject", ctl.DefaultEventSubject, "Subject to follow")
	cmd.Flags().StringVar(&durable, "durable", "ingestctl", "Durable consumer name")
	return cmd
}

func newUploadCommand(flags *rootFlags) *cobra.Command {
	var (
		contentType string
		compress    bool
	)

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file through presign, put, and finalize",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			client, err := flags.client()
			if err != nil {
				return err
			}

			artifact, err := ctl.Upload(ctx, client, ctl.UploadConfig{
				Path:        args[0],
				ContentType: contentType,
				Compress:    compress,
				Stdout:      os.Stdout,
			})
			if err != nil {
				return err
			}
			return printJSON(artifact)
		},
	}

	cmd.Flags().StringVar(&contentType, "content-type", "", "Content type of the file (inferred from the extension by default)")
	cmd.Flags().BoolVar(&compress, "compress", false, "zstd-compress the payload before uploading")
	return cmd
}

func newOpsCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Operation inspection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newOpsGetCommand(flags))
	return cmd
}

func newOpsGetCommand(flags *rootFlags) *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "get <operation-id>",
		Short: "Fetch an operation, optionally waiting for a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			client, err := flags.client()
			if err != nil {
				return err
			}

			var op *ctl.Operation
			if wait {
				op, err = client.WaitOperation(ctx, args[0], interval)
			} else {
				op, err = client.GetOperation(ctx, args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(op)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until the operation succeeds or fails")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Poll interval used with --wait")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
