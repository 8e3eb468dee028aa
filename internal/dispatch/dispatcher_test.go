package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchboard/internal/chanlock"
	"github.com/mattjoyce/switchboard/internal/config"
	"github.com/mattjoyce/switchboard/internal/dispatch/mocks"
	"github.com/mattjoyce/switchboard/internal/ledger"
	"github.com/mattjoyce/switchboard/internal/plugin"
	"github.com/mattjoyce/switchboard/internal/protocol"
	"github.com/mattjoyce/switchboard/internal/storage"
)

// TestLogBuffer captures log output.
type TestLogBuffer struct {
	bytes.Buffer
}

func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

type fakePlugin struct {
	name     string
	process  func(ctx context.Context, site *config.SiteConfig, msg protocol.Message) (*protocol.Response, error)
	callback func(ctx context.Context, call protocol.Callback, site *config.SiteConfig, msg *protocol.Message) (*protocol.Response, error)
}

func (f *fakePlugin) Name() string { return f.name }
func (f *fakePlugin) ProcessMsg(ctx context.Context, site *config.SiteConfig, msg protocol.Message) (*protocol.Response, error) {
	if f.process == nil {
		return nil, nil
	}
	return f.process(ctx, site, msg)
}
func (f *fakePlugin) IsAtModule(*config.SiteConfig, protocol.Message) (string, bool) { return "", false }
func (f *fakePlugin) Usage() []plugin.Usage                                           { return nil }
func (f *fakePlugin) Description() string                                             { return f.name }
func (f *fakePlugin) HandleCallback(ctx context.Context, call protocol.Callback, site *config.SiteConfig, msg *protocol.Message) (*protocol.Response, error) {
	if f.callback == nil {
		return nil, errors.New("no callbacks")
	}
	return f.callback(ctx, call, site, msg)
}

func answer(confidence float64, text string) func(context.Context, *config.SiteConfig, protocol.Message) (*protocol.Response, error) {
	return func(context.Context, *config.SiteConfig, protocol.Message) (*protocol.Response, error) {
		return &protocol.Response{Confidence: confidence, Body: protocol.Text(text)}, nil
	}
}

func registry(t *testing.T, plugins ...plugin.Capability) *plugin.Registry {
	t.Helper()
	reg := plugin.NewRegistry()
	for _, p := range plugins {
		require.NoError(t, reg.Add(p))
	}
	return reg
}

func site(plugs config.Plugs) *config.SiteConfig {
	return &config.SiteConfig{ID: "test", Prefix: "!", Plugs: plugs, ServerID: "srv", Service: "test"}
}

func message(body string) protocol.Message {
	return protocol.Message{ID: "m1", Body: body, ChannelID: "chan-1", AuthorID: "u1", ServerID: "srv"}
}

func TestResolveTopResponseChoosesHighestConfidence(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	locks := mocks.NewMockLockReader(ctrl)
	rec := mocks.NewMockRecorder(ctrl)
	logger, _ := NewTestSlogger()

	reg := registry(t,
		&fakePlugin{name: "five", process: answer(5, "five")},
		&fakePlugin{name: "eight", process: answer(8, "eight")},
	)
	d := New(reg, locks, rec, WithLogger(logger))

	var recorded ledger.Form
	locks.EXPECT().Locked(gomock.Any(), "chan-1").Return(nil, false, nil)
	rec.EXPECT().ReserveAndRecord(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, f ledger.Form) (int64, error) {
			recorded = f
			return 17, nil
		})

	out, err := d.ResolveTopResponse(context.Background(), site(config.AllPlugs()), message("hello"))
	require.NoError(t, err)
	require.NotNil(t, out.Response)
	assert.Equal(t, "eight", out.Response.Plugin)
	assert.Equal(t, int64(17), out.InteractionID)
	assert.NotEmpty(t, out.DispatchID)
	assert.False(t, out.Forced)
	assert.Equal(t, []string{
		`plugin five responded with confidence 5: "five"`,
		`plugin eight responded with confidence 8: "eight"`,
		"we chose plugin eight's response",
	}, out.Traceback)

	assert.Equal(t, "eight", recorded.Plugin)
	assert.Equal(t, out.Traceback, recorded.Traceback)
	assert.Equal(t, "m1", recorded.Message.ID)
}

func TestResolveTopResponsePlugsNone(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	locks := mocks.NewMockLockReader(ctrl)
	rec := mocks.NewMockRecorder(ctrl)
	logger, _ := NewTestSlogger()
	d := New(registry(t, &fakePlugin{name: "echo", process: answer(10, "hi")}), locks, rec, WithLogger(logger))

	locks.EXPECT().Locked(gomock.Any(), "chan-1").Return(nil, false, nil)

	out, err := d.ResolveTopResponse(context.Background(), site(config.NoPlugs()), message("hello"))
	require.NoError(t, err)
	assert.Nil(t, out.Response)
	assert.Zero(t, out.InteractionID)
	assert.NotNil(t, out.Traceback)
	assert.Empty(t, out.Traceback)
}

func TestResolveTopResponsePluginFailuresAreContained(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	locks := mocks.NewMockLockReader(ctrl)
	rec := mocks.NewMockRecorder(ctrl)
	logger, logBuf := NewTestSlogger()

	release := make(chan struct{})
	defer close(release)

	reg := registry(t,
		&fakePlugin{name: "panics", process: func(context.Context, *config.SiteConfig, protocol.Message) (*protocol.Response, error) {
			panic("kaboom")
		}},
		&fakePlugin{name: "stuck", process: func(context.Context, *config.SiteConfig, protocol.Message) (*protocol.Response, error) {
			<-release
			return nil, nil
		}},
		&fakePlugin{name: "quiet"},
		&fakePlugin{name: "echo", process: answer(1, "still here")},
	)
	d := New(reg, locks, rec, WithLogger(logger), WithTimeout(50*time.Millisecond))

	locks.EXPECT().Locked(gomock.Any(), "chan-1").Return(nil, false, nil)
	rec.EXPECT().ReserveAndRecord(gomock.Any(), gomock.Any()).Return(int64(1), nil)

	out, err := d.ResolveTopResponse(context.Background(), site(config.AllPlugs()), message("hello"))
	require.NoError(t, err)
	require.NotNil(t, out.Response)
	assert.Equal(t, "echo", out.Response.Plugin)
	assert.Equal(t, []string{
		"plugin panics errored with panic",
		"plugin stuck timed out",
		"plugin quiet declined",
		`plugin echo responded with confidence 1: "still here"`,
		"we chose plugin echo's response",
	}, out.Traceback)

	logs := logBuf.String()
	assert.Contains(t, logs, "plugin crashed")
	assert.Contains(t, logs, "kaboom")
	assert.Contains(t, logs, "plugin timed out")
}

func TestResolveTopResponseRecordsCallbackResult(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	locks := mocks.NewMockLockReader(ctrl)
	rec := mocks.NewMockRecorder(ctrl)
	logger, _ := NewTestSlogger()

	deferred := &fakePlugin{
		name: "deferred",
		process: func(context.Context, *config.SiteConfig, protocol.Message) (*protocol.Response, error) {
			return &protocol.Response{Confidence: 9, Body: protocol.Text("placeholder"), Callback: &protocol.Callback{Plugin: "deferred", Name: "finish"}}, nil
		},
		callback: func(_ context.Context, call protocol.Callback, _ *config.SiteConfig, msg *protocol.Message) (*protocol.Response, error) {
			assert.Equal(t, "finish", call.Name)
			assert.Nil(t, msg)
			return &protocol.Response{Confidence: 9, Body: protocol.Text("final answer")}, nil
		},
	}
	d := New(registry(t, deferred), locks, rec, WithLogger(logger))

	var recorded ledger.Form
	locks.EXPECT().Locked(gomock.Any(), "chan-1").Return(nil, false, nil)
	rec.EXPECT().ReserveAndRecord(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, f ledger.Form) (int64, error) {
			recorded = f
			return 3, nil
		}).Times(1)

	out, err := d.ResolveTopResponse(context.Background(), site(config.AllPlugs()), message("hello"))
	require.NoError(t, err)
	assert.Equal(t, "final answer", out.Response.Body.Plain())
	assert.Equal(t, "deferred", out.Response.Plugin)
	assert.Equal(t, "final answer", recorded.Response.Body.Plain())
	assert.Equal(t, `invoked callback deferred.finish producing "final answer"`, out.Traceback[len(out.Traceback)-1])
}

func TestResolveTopResponseFailedCallbackYieldsNone(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	locks := mocks.NewMockLockReader(ctrl)
	rec := mocks.NewMockRecorder(ctrl)
	logger, _ := NewTestSlogger()

	p := &fakePlugin{
		name: "flaky",
		process: func(context.Context, *config.SiteConfig, protocol.Message) (*protocol.Response, error) {
			return &protocol.Response{Confidence: 1, Callback: &protocol.Callback{Plugin: "flaky", Name: "later"}}, nil
		},
	}
	d := New(registry(t, p), locks, rec, WithLogger(logger))
	locks.EXPECT().Locked(gomock.Any(), "chan-1").Return(nil, false, nil)

	out, err := d.ResolveTopResponse(context.Background(), site(config.AllPlugs()), message("hello"))
	require.NoError(t, err)
	assert.Nil(t, out.Response)
	assert.Contains(t, out.Traceback[len(out.Traceback)-1], "callback flaky.later failed")
}

func TestResolveTopResponseLockedChannelForcesCallback(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	locks := mocks.NewMockLockReader(ctrl)
	rec := mocks.NewMockRecorder(ctrl)
	logger, _ := NewTestSlogger()

	var sawMessage *protocol.Message
	owner := &fakePlugin{
		name:    "owner",
		process: answer(1, "should not run"),
		callback: func(_ context.Context, call protocol.Callback, _ *config.SiteConfig, msg *protocol.Message) (*protocol.Response, error) {
			sawMessage = msg
			return &protocol.Response{Confidence: 1, Body: protocol.Text("turn " + string(call.Args[0]))}, nil
		},
	}
	other := &fakePlugin{name: "other", process: answer(100, "ignored")}
	d := New(registry(t, owner, other), locks, rec, WithLogger(logger))

	cb, err := protocol.NewCallback("owner", "turn", 2)
	require.NoError(t, err)
	locks.EXPECT().Locked(gomock.Any(), "chan-1").Return(&chanlock.State{Channel: "chan-1", Callback: cb, Owner: "owner", InteractionID: 1}, true, nil)
	rec.EXPECT().ReserveAndRecord(gomock.Any(), gomock.Any()).Return(int64(2), nil)

	out, err := d.ResolveTopResponse(context.Background(), site(config.AllPlugs()), message("5"))
	require.NoError(t, err)
	assert.True(t, out.Forced)
	assert.Equal(t, "owner", out.Response.Plugin)
	assert.Equal(t, "turn 2", out.Response.Body.Plain())
	require.NotNil(t, sawMessage)
	assert.Equal(t, "5", sawMessage.Body)
	assert.Equal(t, "channel chan-1 is locked to plugin owner, forcing callback owner.turn", out.Traceback[0])
}

func TestResolveTopResponsePropagatesStoreFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	locks := mocks.NewMockLockReader(ctrl)
	rec := mocks.NewMockRecorder(ctrl)
	logger, _ := NewTestSlogger()
	d := New(registry(t, &fakePlugin{name: "echo", process: answer(1, "hi")}), locks, rec, WithLogger(logger))

	t.Run("malformed lock", func(t *testing.T) {
		locks.EXPECT().Locked(gomock.Any(), "chan-1").Return(nil, false, chanlock.ErrMalformedLock)
		_, err := d.ResolveTopResponse(context.Background(), site(config.AllPlugs()), message("hi"))
		assert.ErrorIs(t, err, chanlock.ErrMalformedLock)
	})

	t.Run("lock conflict", func(t *testing.T) {
		locks.EXPECT().Locked(gomock.Any(), "chan-1").Return(nil, false, nil)
		rec.EXPECT().ReserveAndRecord(gomock.Any(), gomock.Any()).Return(int64(0), chanlock.ErrLockConflict)
		_, err := d.ResolveTopResponse(context.Background(), site(config.AllPlugs()), message("hi"))
		assert.ErrorIs(t, err, chanlock.ErrLockConflict)
	})

	t.Run("invalid message", func(t *testing.T) {
		_, err := d.ResolveTopResponse(context.Background(), site(config.AllPlugs()), protocol.Message{ID: "x"})
		assert.Error(t, err)
	})
}

func TestResolveTopResponseIgnoresCallerCancellation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	locks := mocks.NewMockLockReader(ctrl)
	rec := mocks.NewMockRecorder(ctrl)
	logger, _ := NewTestSlogger()
	slow := &fakePlugin{name: "slow", process: func(ctx context.Context, _ *config.SiteConfig, _ protocol.Message) (*protocol.Response, error) {
		select {
		case <-time.After(20 * time.Millisecond):
			return &protocol.Response{Confidence: 1, Body: protocol.Text("done")}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	d := New(registry(t, slow), locks, rec, WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	locks.EXPECT().Locked(gomock.Any(), "chan-1").Return(nil, false, nil)
	rec.EXPECT().ReserveAndRecord(gomock.Any(), gomock.Any()).Return(int64(9), nil)

	out, err := d.ResolveTopResponse(ctx, site(config.AllPlugs()), message("hi"))
	require.NoError(t, err)
	require.NotNil(t, out.Response)
	assert.Equal(t, "done", out.Response.Body.Plain())
}

// TestDispatchWithStore runs the dispatcher over the real lock manager and
// ledger: a plugin locks the channel, the next turn is forced into its
// callback, and that callback unlocks.
func TestDispatchWithStore(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger, _ := NewTestSlogger()
	locks := chanlock.New(db, chanlock.WithLogger(logger))
	led := ledger.New(db, locks, ledger.WithLogger(logger), ledger.WithOrphanDelay(time.Hour))
	t.Cleanup(led.Close)

	pinner := &fakePlugin{
		name: "pinner",
		process: func(_ context.Context, _ *config.SiteConfig, msg protocol.Message) (*protocol.Response, error) {
			if msg.Body != "!pin" {
				return nil, nil
			}
			cb, err := protocol.NewCallback("pinner", "turn")
			if err != nil {
				return nil, err
			}
			return &protocol.Response{Confidence: 10, Body: protocol.Text("pinned"), Lock: protocol.Lock(msg.ChannelID, cb)}, nil
		},
		callback: func(_ context.Context, _ protocol.Callback, _ *config.SiteConfig, msg *protocol.Message) (*protocol.Response, error) {
			return &protocol.Response{Confidence: 10, Body: protocol.Text("released"), Lock: protocol.Unlock(msg.ChannelID)}, nil
		},
	}
	d := New(registry(t, pinner), locks, led, WithLogger(logger))
	s := site(config.AllPlugs())

	first, err := d.ResolveTopResponse(ctx, s, message("!pin"))
	require.NoError(t, err)
	require.NotNil(t, first.Response)

	st, locked, err := locks.Locked(ctx, "chan-1")
	require.NoError(t, err)
	require.True(t, locked)
	assert.Equal(t, first.InteractionID, st.InteractionID)

	second, err := d.ResolveTopResponse(ctx, s, message("anything"))
	require.NoError(t, err)
	assert.True(t, second.Forced)
	assert.Equal(t, "released", second.Response.Body.Plain())

	_, locked, err = locks.Locked(ctx, "chan-1")
	require.NoError(t, err)
	assert.False(t, locked)

	it, err := led.Get(ctx, second.InteractionID)
	require.NoError(t, err)
	assert.Equal(t, second.Traceback, it.Traceback)
	assert.Nil(t, it.PostedID)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions;`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestResolveTopResponseContainsNonFiniteConfidence(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	locks := mocks.NewMockLockReader(ctrl)
	rec := mocks.NewMockRecorder(ctrl)
	logger, _ := NewTestSlogger()

	reg := registry(t,
		&fakePlugin{name: "sane", process: answer(5, "ok")},
		&fakePlugin{name: "greedy", process: answer(math.Inf(1), "me!")},
	)
	d := New(reg, locks, rec, WithLogger(logger))

	var recorded ledger.Form
	locks.EXPECT().Locked(gomock.Any(), "chan-1").Return(nil, false, nil)
	rec.EXPECT().ReserveAndRecord(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, f ledger.Form) (int64, error) {
			recorded = f
			return 4, nil
		})

	out, err := d.ResolveTopResponse(context.Background(), site(config.AllPlugs()), message("hello"))
	require.NoError(t, err)
	require.NotNil(t, out.Response)
	assert.Equal(t, "sane", recorded.Plugin)
	assert.Contains(t, out.Traceback, "plugin greedy errored with error")
}

func TestResolveTopResponseAttributesCallbackToItsPlugin(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	locks := mocks.NewMockLockReader(ctrl)
	rec := mocks.NewMockRecorder(ctrl)
	logger, _ := NewTestSlogger()

	intruder := &fakePlugin{
		name: "intruder",
		process: func(context.Context, *config.SiteConfig, protocol.Message) (*protocol.Response, error) {
			return &protocol.Response{Confidence: 9, Callback: &protocol.Callback{Plugin: "intruder", Name: "finish"}}, nil
		},
		callback: func(context.Context, protocol.Callback, *config.SiteConfig, *protocol.Message) (*protocol.Response, error) {
			return &protocol.Response{Confidence: 9, Plugin: "owner", Body: protocol.Text("bye"), Lock: protocol.Unlock("chan-other")}, nil
		},
	}
	d := New(registry(t, intruder), locks, rec, WithLogger(logger))

	var recorded ledger.Form
	locks.EXPECT().Locked(gomock.Any(), "chan-1").Return(nil, false, nil)
	rec.EXPECT().ReserveAndRecord(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, f ledger.Form) (int64, error) {
			recorded = f
			return 5, nil
		})

	out, err := d.ResolveTopResponse(context.Background(), site(config.AllPlugs()), message("hello"))
	require.NoError(t, err)
	assert.Equal(t, "intruder", out.Response.Plugin)
	assert.Equal(t, "intruder", recorded.Plugin)
	assert.Equal(t, "intruder", recorded.Response.Plugin)
}

func TestCallbackCannotTouchAnotherPluginsLock(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger, _ := NewTestSlogger()
	locks := chanlock.New(db, chanlock.WithLogger(logger))
	led := ledger.New(db, locks, ledger.WithLogger(logger), ledger.WithOrphanDelay(time.Hour))
	t.Cleanup(led.Close)

	ownerTurn, err := protocol.NewCallback("owner", "turn")
	require.NoError(t, err)
	owner := &fakePlugin{
		name: "owner",
		process: func(_ context.Context, _ *config.SiteConfig, msg protocol.Message) (*protocol.Response, error) {
			if msg.Body != "!pin" {
				return nil, nil
			}
			return &protocol.Response{Confidence: 10, Body: protocol.Text("pinned"), Lock: protocol.Lock("chan-other", ownerTurn)}, nil
		},
	}

	var followUp *protocol.Response
	intruder := &fakePlugin{
		name: "intruder",
		process: func(_ context.Context, _ *config.SiteConfig, msg protocol.Message) (*protocol.Response, error) {
			if msg.Body != "!steal" {
				return nil, nil
			}
			return &protocol.Response{Confidence: 10, Callback: &protocol.Callback{Plugin: "intruder", Name: "finish"}}, nil
		},
		callback: func(context.Context, protocol.Callback, *config.SiteConfig, *protocol.Message) (*protocol.Response, error) {
			cp := *followUp
			return &cp, nil
		},
	}
	d := New(registry(t, owner, intruder), locks, led, WithLogger(logger))
	s := site(config.AllPlugs())

	_, err = d.ResolveTopResponse(ctx, s, message("!pin"))
	require.NoError(t, err)

	followUp = &protocol.Response{Confidence: 10, Plugin: "owner", Body: protocol.Text("released"), Lock: protocol.Unlock("chan-other")}
	_, err = d.ResolveTopResponse(ctx, s, message("!steal"))
	require.ErrorIs(t, err, chanlock.ErrLockConflict)

	followUp = &protocol.Response{Confidence: 10, Body: protocol.Text("mine"), Lock: protocol.Lock("chan-2", ownerTurn)}
	_, err = d.ResolveTopResponse(ctx, s, message("!steal"))
	require.ErrorIs(t, err, chanlock.ErrMalformedDirective)

	st, locked, err := locks.Locked(ctx, "chan-other")
	require.NoError(t, err)
	require.True(t, locked)
	assert.Equal(t, "owner", st.Owner)
	_, locked, err = locks.Locked(ctx, "chan-2")
	require.NoError(t, err)
	assert.False(t, locked)
}
