package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/switchboard/internal/chanlock"
	"github.com/mattjoyce/switchboard/internal/inspect"
	"github.com/mattjoyce/switchboard/internal/ledger"
	"github.com/mattjoyce/switchboard/internal/protocol"
	"github.com/mattjoyce/switchboard/internal/storage"
)

func newInteractionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interaction",
		Short: "Inspect recorded interactions",
	}
	cmd.AddCommand(newInteractionShowCmd(), newInteractionListCmd(), newInteractionTracebackCmd())
	return cmd
}

// openLedger opens the configured state database read-side. It does not take
// the PID lock, so it is safe to use next to a running instance.
func openLedger(cmd *cobra.Command) (*ledger.Ledger, *chanlock.Manager, func(), error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := storage.OpenSQLite(cmd.Context(), cfg.State.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database %s: %w", cfg.State.Path, err)
	}
	locks := chanlock.New(db)
	return ledger.New(db, locks), locks, func() { _ = db.Close() }, nil
}

func newInteractionShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an interaction report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid interaction id %q", args[0])
			}
			l, locks, closeFn, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			var report string
			if asJSON {
				report, err = inspect.BuildJSONReport(cmd.Context(), l, locks, id)
			} else {
				report, err = inspect.BuildReport(cmd.Context(), l, locks, id)
			}
			if errors.Is(err, ledger.ErrInteractionNotFound) {
				return fmt.Errorf("interaction %d not found", id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(report, "\n"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newInteractionListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent interactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, _, closeFn, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			items, err := l.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, it := range items {
				posted := "-"
				if len(it.PostedID) > 0 {
					posted = it.PostedID.String()
				}
				fmt.Fprintf(out, "%-6d %s  %-10s %-16s %s\n",
					it.ID, it.CreatedAt.Local().Format("2006-01-02 15:04:05"), it.Plugin, it.Message.ChannelID, posted)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of interactions")
	return cmd
}

func newInteractionTracebackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "traceback <posted-id...>",
		Short: "Explain how the response posted under an id was chosen",
		Long: "Prints the dispatch traceback for the interaction delivered under the given posted id.\n" +
			"Pass one argument per id part, or a single JSON array.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			posted, err := postedIDFromArgs(args)
			if err != nil {
				return err
			}
			l, _, closeFn, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			lines, err := tracebackFor(cmd.Context(), l, posted)
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

func postedIDFromArgs(args []string) (protocol.PostedID, error) {
	if len(args) == 1 {
		return protocol.ParsePostedID(args[0])
	}
	return protocol.PostedID(args), nil
}

func tracebackFor(ctx context.Context, l *ledger.Ledger, posted protocol.PostedID) ([]string, error) {
	lines, err := l.TracebackFor(ctx, posted)
	switch {
	case errors.Is(err, ledger.ErrPostedIDNotFound):
		return nil, fmt.Errorf("no interaction was posted as %s", posted)
	case errors.Is(err, ledger.ErrAmbiguousPostedID):
		return nil, fmt.Errorf("posted id %s matches more than one interaction", posted)
	}
	return lines, err
}
