// Package chanlock owns the per-channel lock state machine. A channel is
// either unlocked or locked to the plugin that produced the owning
// interaction, together with the callback to run on the channel's next turn.
//
// Every transition is applied inside the caller's transaction, alongside the
// interaction write that requested it.
package chanlock

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/switchboard/internal/events"
	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/metrics"
	"github.com/mattjoyce/switchboard/internal/protocol"
)

var (
	// ErrLockConflict means a plugin tried to lock or unlock a channel owned
	// by another plugin.
	ErrLockConflict = errors.New("channel lock conflict")
	// ErrMalformedLock means a stored lock row violates the lock invariants.
	ErrMalformedLock = errors.New("malformed channel lock")
	// ErrMalformedDirective means a directive could not be applied.
	ErrMalformedDirective = errors.New("malformed lock directive")
)

// Transition is the outcome of applying a directive.
type Transition string

const (
	TransitionNone     Transition = "none"
	TransitionAcquired Transition = "acquired"
	TransitionRenewed  Transition = "renewed"
	TransitionReleased Transition = "released"
	TransitionNoop     Transition = "noop"
)

// State describes an active lock.
type State struct {
	Channel       string            `json:"channel"`
	Callback      protocol.Callback `json:"callback"`
	Owner         string            `json:"owner"`
	InteractionID int64             `json:"interaction_id"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Manager struct {
	db      *sql.DB
	logger  *slog.Logger
	metrics *metrics.Metrics
	events  events.Publisher
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithEvents(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

func New(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{db: db}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.WithComponent("chanlock")
	}
	return m
}

// Locked reports whether channel is locked and, if so, the callback to run
// and the plugin that owns the lock.
func (m *Manager) Locked(ctx context.Context, channel string) (*State, bool, error) {
	return m.read(ctx, m.db, channel)
}

func (m *Manager) read(ctx context.Context, q Querier, channel string) (*State, bool, error) {
	var (
		locked        int
		callbackRaw   sql.NullString
		interactionID sql.NullInt64
		updatedAt     string
	)
	err := q.QueryRowContext(ctx, `
SELECT locked, callback, interaction_id, updated_at
FROM channel_locks
WHERE channel_id = ?;
`, channel).Scan(&locked, &callbackRaw, &interactionID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read lock for channel %q: %w", channel, err)
	}

	switch locked {
	case 0:
		return nil, false, nil
	case 1:
	default:
		return nil, false, fmt.Errorf("%w: channel %q has lock status %d", ErrMalformedLock, channel, locked)
	}

	if !callbackRaw.Valid || callbackRaw.String == "" || callbackRaw.String == "null" {
		return nil, false, fmt.Errorf("%w: channel %q is locked without a callback", ErrMalformedLock, channel)
	}
	if !interactionID.Valid {
		return nil, false, fmt.Errorf("%w: channel %q is locked without an owner", ErrMalformedLock, channel)
	}

	st := &State{Channel: channel, InteractionID: interactionID.Int64}
	if err := json.Unmarshal([]byte(callbackRaw.String), &st.Callback); err != nil {
		return nil, false, fmt.Errorf("%w: channel %q callback: %v", ErrMalformedLock, channel, err)
	}
	if err := st.Callback.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: channel %q callback: %v", ErrMalformedLock, channel, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		st.UpdatedAt = t
	}

	err = q.QueryRowContext(ctx, `SELECT plugin FROM interactions WHERE id = ?;`, st.InteractionID).Scan(&st.Owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("%w: channel %q owner interaction %d missing", ErrMalformedLock, channel, st.InteractionID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("read lock owner for channel %q: %w", channel, err)
	}
	return st, true, nil
}

// Apply executes directive on behalf of requester inside tx. interactionID
// is the interaction being written in the same transaction; it becomes the
// owning interaction on lock.
func (m *Manager) Apply(ctx context.Context, tx *sql.Tx, directive *protocol.LockDirective, requester string, interactionID int64) (Transition, error) {
	if directive == nil {
		return TransitionNone, nil
	}
	if err := directive.Validate(); err != nil {
		return TransitionNone, fmt.Errorf("%w: %v", ErrMalformedDirective, err)
	}

	current, locked, err := m.read(ctx, tx, directive.Channel)
	if err != nil {
		return TransitionNone, err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	switch directive.Action {
	case protocol.LockActionLock:
		if directive.Target.Plugin != requester {
			return TransitionNone, fmt.Errorf("%w: %s cannot lock channel %q to another plugin's callback %s",
				ErrMalformedDirective, requester, directive.Channel, directive.Target)
		}
		transition := TransitionAcquired
		if locked {
			if current.Owner != requester {
				m.conflict(directive, requester, current)
				return TransitionNone, fmt.Errorf("%w: %s cannot lock channel %q owned by %s",
					ErrLockConflict, requester, directive.Channel, current.Owner)
			}
			transition = TransitionRenewed
		}
		cb, err := json.Marshal(directive.Target)
		if err != nil {
			return TransitionNone, fmt.Errorf("%w: encode target: %v", ErrMalformedDirective, err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO channel_locks(channel_id, locked, callback, interaction_id, updated_at)
VALUES(?, 1, ?, ?, ?)
ON CONFLICT(channel_id) DO UPDATE SET
  locked = 1,
  callback = excluded.callback,
  interaction_id = excluded.interaction_id,
  updated_at = excluded.updated_at;
`, directive.Channel, string(cb), interactionID, now)
		if err != nil {
			return TransitionNone, fmt.Errorf("write lock for channel %q: %w", directive.Channel, err)
		}
		return transition, nil

	case protocol.LockActionUnlock:
		if !locked {
			m.logger.Info("unlock requested on unlocked channel",
				"channel_id", directive.Channel, "plugin", requester, "interaction_id", interactionID)
			return TransitionNoop, nil
		}
		if current.Owner != requester {
			m.conflict(directive, requester, current)
			return TransitionNone, fmt.Errorf("%w: %s cannot unlock channel %q owned by %s",
				ErrLockConflict, requester, directive.Channel, current.Owner)
		}
		_, err := tx.ExecContext(ctx, `
UPDATE channel_locks
SET locked = 0, callback = NULL, interaction_id = ?, updated_at = ?
WHERE channel_id = ?;
`, interactionID, now, directive.Channel)
		if err != nil {
			return TransitionNone, fmt.Errorf("clear lock for channel %q: %w", directive.Channel, err)
		}
		return TransitionReleased, nil
	}
	return TransitionNone, fmt.Errorf("%w: unknown action %q", ErrMalformedDirective, directive.Action)
}

// Announce records a committed transition. Callers invoke it only after the
// transaction carrying the transition has committed.
func (m *Manager) Announce(directive *protocol.LockDirective, requester string, interactionID int64, t Transition) {
	if directive == nil || t == TransitionNone {
		return
	}
	m.metrics.LockTransition(string(t))
	if t == TransitionNoop {
		return
	}
	m.logger.Debug("channel lock changed",
		"channel_id", directive.Channel, "plugin", requester, "transition", string(t), "interaction_id", interactionID)
	if m.events != nil {
		m.events.Publish(events.LockChanged, map[string]any{
			"channel_id":     directive.Channel,
			"plugin":         requester,
			"transition":     t,
			"interaction_id": interactionID,
		})
	}
}

func (m *Manager) conflict(directive *protocol.LockDirective, requester string, current *State) {
	m.metrics.LockTransition("conflict")
	m.logger.Error("channel lock conflict",
		"channel_id", directive.Channel,
		"action", string(directive.Action),
		"plugin", requester,
		"owner", current.Owner,
		"owner_interaction_id", current.InteractionID,
	)
}
