package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/switchboard/internal/events"
	"github.com/mattjoyce/switchboard/internal/protocol"
	"github.com/mattjoyce/switchboard/internal/storage"
)

const interactionColumns = `id, created_at, plugin, message, response, traceback, lock_directive, posted_key`

type rowScanner interface {
	Scan(dest ...any) error
}

// Get returns the interaction with the given internal id.
func (l *Ledger) Get(ctx context.Context, id int64) (*Interaction, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+interactionColumns+` FROM interactions WHERE id = ?;`, id)
	it, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrInteractionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read interaction %d: %w", id, err)
	}
	return it, nil
}

// Recent returns up to limit interactions, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]*Interaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `SELECT `+interactionColumns+` FROM interactions ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	var out []*Interaction
	for rows.Next() {
		it, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ConfirmPosted records the id the external service assigned to the
// delivered response. It may succeed at most once per interaction.
func (l *Ledger) ConfirmPosted(ctx context.Context, id int64, posted protocol.PostedID) error {
	if len(posted) == 0 {
		return fmt.Errorf("posted id is empty")
	}
	key := posted.Key()

	err := storage.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		var current sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT posted_key FROM interactions WHERE id = ?;`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrInteractionNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("read interaction %d: %w", id, err)
		}
		if current.Valid {
			return fmt.Errorf("%w: interaction %d has posted id %s", ErrAlreadyPosted, id, current.String)
		}

		var other int64
		err = tx.QueryRowContext(ctx, `SELECT id FROM interactions WHERE posted_key = ?;`, key).Scan(&other)
		if err == nil {
			return fmt.Errorf("%w: %s belongs to interaction %d", ErrDuplicatePostedID, posted, other)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check posted id: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE interactions SET posted_key = ? WHERE id = ?;`, key, id); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%w: %s", ErrDuplicatePostedID, posted)
			}
			return fmt.Errorf("set posted id on interaction %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		l.logger.Error("confirm posted failed", "interaction_id", id, "posted_id", posted.String(), "error", err)
		return err
	}

	l.metrics.Posted()
	if l.events != nil {
		l.events.Publish(events.InteractionPosted, map[string]any{
			"interaction_id": id,
			"posted_id":      posted,
		})
	}
	return nil
}

// LookupByPostedID finds the interaction whose posted id equals posted.
// Ids are matched as whole opaque keys.
func (l *Ledger) LookupByPostedID(ctx context.Context, posted protocol.PostedID) (*Interaction, error) {
	if len(posted) == 0 {
		return nil, fmt.Errorf("posted id is empty")
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE posted_key = ? LIMIT 2;`, posted.Key())
	if err != nil {
		return nil, fmt.Errorf("lookup posted id %s: %w", posted, err)
	}
	defer rows.Close()

	var found []*Interaction
	for rows.Next() {
		it, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		found = append(found, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrPostedIDNotFound, posted)
	case 1:
		return found[0], nil
	default:
		l.logger.Error("posted id matches multiple interactions", "posted_id", posted.String())
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousPostedID, posted)
	}
}

// TracebackFor returns the stored traceback of the interaction posted as posted.
func (l *Ledger) TracebackFor(ctx context.Context, posted protocol.PostedID) ([]string, error) {
	it, err := l.LookupByPostedID(ctx, posted)
	if err != nil {
		return nil, err
	}
	return it.Traceback, nil
}

func scanInteraction(row rowScanner) (*Interaction, error) {
	var (
		it        Interaction
		createdAt string
		msg       string
		resp      string
		traceback string
		directive sql.NullString
		postedKey sql.NullString
	)
	if err := row.Scan(&it.ID, &createdAt, &it.Plugin, &msg, &resp, &traceback, &directive, &postedKey); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("interaction %d created_at: %w", it.ID, err)
	}
	it.CreatedAt = t
	if err := json.Unmarshal([]byte(msg), &it.Message); err != nil {
		return nil, fmt.Errorf("interaction %d message: %w", it.ID, err)
	}
	if err := json.Unmarshal([]byte(resp), &it.Response); err != nil {
		return nil, fmt.Errorf("interaction %d response: %w", it.ID, err)
	}
	if err := json.Unmarshal([]byte(traceback), &it.Traceback); err != nil {
		return nil, fmt.Errorf("interaction %d traceback: %w", it.ID, err)
	}
	if directive.Valid {
		d, err := protocol.DecodeDirective([]byte(directive.String))
		if err != nil {
			return nil, fmt.Errorf("interaction %d lock directive: %w", it.ID, err)
		}
		it.Directive = d
	}
	if postedKey.Valid {
		p, err := protocol.ParsePostedID(postedKey.String)
		if err != nil {
			return nil, fmt.Errorf("interaction %d posted id: %w", it.ID, err)
		}
		it.PostedID = p
	}
	return &it, nil
}
