package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dreschagin/logrelay/internal/loki"
	"github.com/dreschagin/logrelay/internal/transport"
	"github.com/dreschagin/logrelay/pkg/config"
	"github.com/dreschagin/logrelay/pkg/logger"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const (
	closeTimeout = 10 * time.Second
	maxLineBytes = 1 << 20
)

type options struct {
	shipping  config.ShippingConfig
	level     string
	logType   string
	sessionID string
	logLevel  string
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	opts := &options{shipping: config.LoadShipping()}

	rootCmd := &cobra.Command{
		Use:           "logship",
		Short:         "Ship log lines to Loki",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetIn(in)
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	flags := rootCmd.PersistentFlags()
	s := &opts.shipping
	flags.BoolVar(&s.Enabled, "enabled", s.Enabled, "enable sending")
	flags.StringVar(&s.Endpoint, "endpoint", s.Endpoint, "Loki base URL, or the relay URL with --via-proxy")
	flags.BoolVar(&s.ViaProxy, "via-proxy", s.ViaProxy, "send to a forwarding proxy instead of Loki")
	flags.StringVar(&s.Username, "username", s.Username, "Loki basic auth user")
	flags.StringVar(&s.Password, "password", s.Password, "Loki basic auth password")
	flags.StringVar(&s.Tenant, "tenant", s.Tenant, "Loki tenant (X-Scope-OrgID)")
	flags.StringVar(&s.App, "app", s.App, "app label")
	flags.StringVar(&s.Version, "app-version", s.Version, "version label")
	flags.StringVar(&s.Environment, "env", s.Environment, "environment label")
	flags.IntVar(&s.BatchSize, "batch-size", s.BatchSize, "lines per batch")
	flags.DurationVar(&s.FlushInterval, "flush-interval", s.FlushInterval, "maximum time a line waits in the buffer")
	flags.IntVar(&s.MaxRetries, "max-retries", s.MaxRetries, "send attempts per batch")
	flags.DurationVar(&s.RetryDelay, "retry-delay", s.RetryDelay, "base backoff between attempts")
	flags.BoolVar(&s.Gzip, "gzip", s.Gzip, "gzip request bodies")
	flags.StringVar(&opts.sessionID, "session", "", "session_id label (random when empty)")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "level of logship's own diagnostics")

	rootCmd.AddCommand(newTailCmd(opts), newSendCmd(opts), newStatusCmd(opts))
	return rootCmd
}

func newTailCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Ship newline-delimited entries read from stdin",
		Long: "Each input line is either a JSON log entry or plain text. Plain lines use\n" +
			"--level and --type. The buffer is flushed at EOF or on interrupt.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tr, err := opts.transport(cmd)
			if err != nil {
				return err
			}
			defer closeTransport(tr)

			lines := make(chan string)
			scanErr := make(chan error, 1)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(cmd.InOrStdin())
				scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
				for scanner.Scan() {
					select {
					case lines <- scanner.Text():
					case <-cmd.Context().Done():
						return
					}
				}
				scanErr <- scanner.Err()
			}()

			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						select {
						case err := <-scanErr:
							if err != nil {
								return fmt.Errorf("read input: %w", err)
							}
						default:
						}
						return nil
					}
					if strings.TrimSpace(line) == "" {
						continue
					}
					tr.Push(opts.parseLine(line))
				}
			}
		},
	}
	cmd.Flags().StringVar(&opts.level, "level", "info", "level for plain text lines")
	cmd.Flags().StringVar(&opts.logType, "type", "", "log_type for plain text lines")
	return cmd
}

func newSendCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Ship a single entry with one delivery attempt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := opts.transport(cmd)
			if err != nil {
				return err
			}
			defer closeTransport(tr)

			entry := opts.plainEntry(strings.Join(args, " "))
			tr.Push(entry)
			if err := tr.Flush(cmd.Context(), true); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.level, "level", "info", "entry level")
	cmd.Flags().StringVar(&opts.logType, "type", "", "entry log_type")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the effective transport status as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tr := opts.newTransport(cmd)
			defer closeTransport(tr)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(tr.Status())
		},
	}
}

func (o *options) newTransport(cmd *cobra.Command) *transport.Transport {
	if o.sessionID == "" {
		o.sessionID = uuid.NewString()
	}
	diagnostics := logger.NewWithWriter(cmd.ErrOrStderr(), o.logLevel)
	return transport.New(transport.ConfigFrom(o.shipping), diagnostics)
}

// transport builds a transport and fails when it would not send.
func (o *options) transport(cmd *cobra.Command) (*transport.Transport, error) {
	tr := o.newTransport(cmd)
	if tr.Active() {
		return tr, nil
	}

	st := tr.Status()
	closeTransport(tr)
	switch {
	case !st.Enabled:
		return nil, errors.New("sending is disabled (LOKI_ENABLED=false)")
	case st.Endpoint == "":
		return nil, fmt.Errorf("no endpoint: set LOKI_URL or --endpoint: %w", transport.ErrMissingEndpoint)
	default:
		return nil, errors.New("sending is off in local development mode")
	}
}

// parseLine decodes a JSON entry, falling back to a plain text entry.
func (o *options) parseLine(line string) loki.Entry {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		var entry loki.Entry
		if err := json.Unmarshal([]byte(trimmed), &entry); err == nil && entry.Message != "" {
			if entry.Level == "" {
				entry.Level = loki.ParseLevel(o.level)
			} else {
				entry.Level = loki.ParseLevel(string(entry.Level))
			}
			if entry.SessionID == "" {
				entry.SessionID = o.sessionID
			}
			return entry
		}
	}
	return o.plainEntry(line)
}

func (o *options) plainEntry(message string) loki.Entry {
	entry := loki.Entry{
		Level:     loki.ParseLevel(o.level),
		Message:   message,
		SessionID: o.sessionID,
	}
	if o.logType != "" {
		entry.Data = map[string]any{"type": o.logType}
	}
	return entry
}

func closeTransport(tr *transport.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	// Delivery failures are reported on the diagnostics logger.
	_ = tr.Close(ctx)
}
