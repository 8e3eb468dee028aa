package dispatch

import (
	"context"

	"github.com/mattjoyce/switchboard/internal/chanlock"
	"github.com/mattjoyce/switchboard/internal/config"
	"github.com/mattjoyce/switchboard/internal/ledger"
	"github.com/mattjoyce/switchboard/internal/plugin"
	"github.com/mattjoyce/switchboard/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/switchboard/internal/dispatch LockReader,Recorder

// LockReader reports the lock state of a channel.
type LockReader interface {
	Locked(ctx context.Context, channel string) (*chanlock.State, bool, error)
}

// Recorder persists a dispatch decision and returns its interaction id.
type Recorder interface {
	ReserveAndRecord(ctx context.Context, form ledger.Form) (int64, error)
}

// PluginSource supplies candidates and runs callbacks. *plugin.Registry
// implements it.
type PluginSource interface {
	Candidates(plugs config.Plugs) []plugin.Capability
	InvokeCallback(ctx context.Context, call protocol.Callback, site *config.SiteConfig, msg *protocol.Message) (*protocol.Response, error)
}

var (
	_ LockReader   = (*chanlock.Manager)(nil)
	_ Recorder     = (*ledger.Ledger)(nil)
	_ PluginSource = (*plugin.Registry)(nil)
)
