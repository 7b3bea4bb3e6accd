// Package streamctl builds the operator CLI for inspecting session journals.
package streamctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	entrypoint "github.com/louisbranch/sessionstream/internal/platform/cmd"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage/integrity"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage/journal"
	"github.com/louisbranch/sessionstream/internal/services/streams/wire"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Output formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
	FormatYAML  = "yaml"
)

const pageSize = 500

// Config holds journal selection shared by every subcommand.
type Config struct {
	Store          string `env:"STORE"           envDefault:"sqlite"`
	SQLitePath     string `env:"SQLITE_PATH"     envDefault:"data/sessionstream.sqlite"`
	BoltPath       string `env:"BBOLT_PATH"      envDefault:"data/sessionstream.bolt"`
	PostgresDSN    string `env:"POSTGRES_DSN"`
	PostgresSchema string `env:"POSTGRES_SCHEMA"`
}

// Opener opens the journal a command reads from.
type Opener func(ctx context.Context, opts journal.Options) (journal.Journal, error)

// Options customizes the command tree; zero values use the real journal and
// process streams.
type Options struct {
	Open Opener
	Out  io.Writer
	Err  io.Writer
}

type cli struct {
	cfg  Config
	open Opener
}

// NewRootCommand builds the streamctl command tree.
func NewRootCommand(opts Options) (*cobra.Command, error) {
	c := &cli{open: opts.Open}
	if c.open == nil {
		c.open = journal.Open
	}
	if err := entrypoint.ParseConfig(&c.cfg); err != nil {
		return nil, err
	}

	root := &cobra.Command{
		Use:           entrypoint.ServiceStreamCtl,
		Short:         "Inspect and verify sessionstream journals",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(writerOr(opts.Out, os.Stdout))
	root.SetErr(writerOr(opts.Err, os.Stderr))

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfg.Store, "store", c.cfg.Store, "journal backend: sqlite, bbolt, postgres or memory")
	flags.StringVar(&c.cfg.SQLitePath, "sqlite-path", c.cfg.SQLitePath, "SQLite journal path")
	flags.StringVar(&c.cfg.BoltPath, "bbolt-path", c.cfg.BoltPath, "BoltDB journal path")
	flags.StringVar(&c.cfg.PostgresDSN, "postgres-dsn", c.cfg.PostgresDSN, "PostgreSQL journal DSN")
	flags.StringVar(&c.cfg.PostgresSchema, "postgres-schema", c.cfg.PostgresSchema, "PostgreSQL journal schema")

	root.AddCommand(c.sessionsCommand(), c.eventsCommand(), c.verifyCommand())
	return root, nil
}

// Execute runs the command tree against args.
func Execute(ctx context.Context, args []string, opts Options) error {
	root, err := NewRootCommand(opts)
	if err != nil {
		return err
	}
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func writerOr(w, fallback io.Writer) io.Writer {
	if w == nil {
		return fallback
	}
	return w
}

func (c *cli) withJournal(ctx context.Context, fn func(journal.Journal) error) error {
	store, err := c.open(ctx, journal.Options{
		Backend:        c.cfg.Store,
		SQLitePath:     c.cfg.SQLitePath,
		BoltPath:       c.cfg.BoltPath,
		PostgresDSN:    c.cfg.PostgresDSN,
		PostgresSchema: c.cfg.PostgresSchema,
	})
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

type sessionRow struct {
	SessionID        string    `json:"sessionId" yaml:"sessionId"`
	LastOffset       uint64    `json:"lastOffset" yaml:"lastOffset"`
	VisibilityMarker string    `json:"visibilityMarker" yaml:"visibilityMarker"`
	UpdatedAt        time.Time `json:"updatedAt" yaml:"updatedAt"`
}

func (c *cli) sessionsCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions in the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withJournal(cmd.Context(), func(store journal.Journal) error {
				summaries, err := store.ListSessions(cmd.Context())
				if err != nil {
					return fmt.Errorf("list sessions: %w", err)
				}
				rows := make([]sessionRow, 0, len(summaries))
				for _, s := range summaries {
					rows = append(rows, sessionRow{
						SessionID:        s.SessionID,
						LastOffset:       s.LastOffset,
						VisibilityMarker: s.LastMarker,
						UpdatedAt:        s.UpdatedAt,
					})
				}
				return writeSessions(cmd.OutOrStdout(), format, rows)
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", FormatTable, "output format: table, json or yaml")
	return cmd
}

func writeSessions(w io.Writer, format string, rows []sessionRow) error {
	switch strings.ToLower(format) {
	case FormatTable:
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tOFFSET\tMARKER\tUPDATED")
		for _, row := range rows {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", row.SessionID, row.LastOffset, row.VisibilityMarker, row.UpdatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case FormatYAML:
		return writeYAML(w, rows)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

func (c *cli) eventsCommand() *cobra.Command {
	var (
		format string
		after  uint64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "events <session-id>",
		Short: "Dump a session's events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withJournal(cmd.Context(), func(store journal.Journal) error {
				events, err := readEvents(cmd.Context(), store, args[0], after, limit)
				if err != nil {
					return err
				}
				return writeEvents(cmd.OutOrStdout(), format, events)
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", FormatJSONL, "output format: json, jsonl or yaml")
	cmd.Flags().Uint64Var(&after, "after", 0, "only events after this offset")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many events; 0 reads all")
	return cmd
}

func readEvents(ctx context.Context, store storage.EventLog, sessionID string, after uint64, limit int) ([]wire.Event, error) {
	var out []wire.Event
	for {
		size := pageSize
		if limit > 0 && limit-len(out) < size {
			size = limit - len(out)
		}
		page, err := store.ListEvents(ctx, sessionID, after, size)
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		out = append(out, wire.FromEvents(page)...)
		if len(page) < size || (limit > 0 && len(out) >= limit) {
			return out, nil
		}
		after = page[len(page)-1].Metadata().Offset
	}
}

func writeEvents(w io.Writer, format string, events []wire.Event) error {
	switch strings.ToLower(format) {
	case FormatJSONL:
		enc := json.NewEncoder(w)
		for _, evt := range events {
			if err := enc.Encode(evt); err != nil {
				return err
			}
		}
		return nil
	case FormatJSON:
		if events == nil {
			events = []wire.Event{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	case FormatYAML:
		return writeYAML(w, events)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

// writeYAML renders value through its JSON form so YAML keys and embedded
// chunk payloads match the HTTP surface.
func writeYAML(w io.Writer, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func (c *cli) verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [session-id...]",
		Short: "Verify the hash chain of sessions; all sessions when none are named",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withJournal(cmd.Context(), func(store journal.Journal) error {
				sessionIDs := args
				if len(sessionIDs) == 0 {
					summaries, err := store.ListSessions(cmd.Context())
					if err != nil {
						return fmt.Errorf("list sessions: %w", err)
					}
					for _, s := range summaries {
						sessionIDs = append(sessionIDs, s.SessionID)
					}
				}
				out := cmd.OutOrStdout()
				failed := 0
				for _, sessionID := range sessionIDs {
					last, err := verifySession(cmd.Context(), store, sessionID)
					if err != nil {
						failed++
						fmt.Fprintf(out, "FAIL %s: %v\n", sessionID, err)
						continue
					}
					fmt.Fprintf(out, "ok   %s (%d events)\n", sessionID, last)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d sessions failed verification", failed, len(sessionIDs))
				}
				return nil
			})
		},
	}
}

func verifySession(ctx context.Context, store storage.RecordReader, sessionID string) (uint64, error) {
	var verifier integrity.Verifier
	for {
		page, err := store.ListRecords(ctx, sessionID, verifier.LastOffset(), pageSize)
		if err != nil {
			return 0, fmt.Errorf("list records: %w", err)
		}
		if err := verifier.Next(page); err != nil {
			return 0, err
		}
		if len(page) < pageSize {
			return verifier.LastOffset(), nil
		}
	}
}
