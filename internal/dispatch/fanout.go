package dispatch

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/mattjoyce/switchboard/internal/protocol"
)

// DefaultTimeout bounds a fan-out when none is configured.
const DefaultTimeout = 500 * time.Millisecond

// ResultKind classifies what happened to one candidate.
type ResultKind string

const (
	ResultOK       ResultKind = "ok"
	ResultDeclined ResultKind = "declined"
	ResultTimeout  ResultKind = "timeout"
	ResultCrash    ResultKind = "crash"
)

// CrashKind distinguishes a returned error, a recovered panic and a plugin
// goroutine that exited without returning (runtime.Goexit).
type CrashKind string

const (
	CrashError CrashKind = "error"
	CrashPanic CrashKind = "panic"
	CrashExit  CrashKind = "exit"
)

// Crash describes a failed plugin invocation. It is logged, never stored.
type Crash struct {
	Plugin  string
	Kind    CrashKind
	Payload string
	Stack   []byte
}

// Result is the outcome of one candidate. Index is the candidate's position
// in the fan-out, which is also its traceback position.
type Result struct {
	Index    int
	Plugin   string
	Kind     ResultKind
	Response *protocol.Response
	Crash    *Crash
	Elapsed  time.Duration
}

type task struct {
	plugin string
	run    func(ctx context.Context) (*protocol.Response, error)
}

// fanOut runs every task concurrently and waits at most timeout. Results are
// returned in task order; tasks that did not finish are marked ResultTimeout.
func fanOut(ctx context.Context, timeout time.Duration, tasks []task) []Result {
	results := make([]Result, len(tasks))
	for i, t := range tasks {
		results[i] = Result{Index: i, Plugin: t.plugin, Kind: ResultTimeout, Elapsed: timeout}
	}
	if len(tasks) == 0 {
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so abandoned workers can always deliver and exit.
	done := make(chan Result, len(tasks))
	for i, t := range tasks {
		go runTask(ctx, i, t, done)
	}

	for remaining := len(tasks); remaining > 0; remaining-- {
		select {
		case r := <-done:
			results[r.Index] = r
		case <-ctx.Done():
			return results
		}
	}
	return results
}

func runTask(ctx context.Context, index int, t task, done chan<- Result) {
	start := time.Now()
	// Stays a crash unless run returns normally.
	r := Result{Index: index, Plugin: t.plugin, Kind: ResultCrash,
		Crash: &Crash{Plugin: t.plugin, Kind: CrashExit, Payload: "plugin exited without returning"}}
	defer func() {
		if p := recover(); p != nil {
			r.Kind = ResultCrash
			r.Response = nil
			r.Crash = &Crash{Plugin: t.plugin, Kind: CrashPanic, Payload: fmt.Sprint(p), Stack: debug.Stack()}
		}
		r.Elapsed = time.Since(start)
		done <- r
	}()

	resp, err := t.run(ctx)
	r.Crash = nil
	switch {
	case err != nil:
		r.Kind = ResultCrash
		r.Crash = &Crash{Plugin: t.plugin, Kind: CrashError, Payload: err.Error()}
	case resp == nil:
		r.Kind = ResultDeclined
	case !finite(resp.Confidence):
		r.Kind = ResultCrash
		r.Crash = &Crash{Plugin: t.plugin, Kind: CrashError,
			Payload: fmt.Sprintf("non-finite confidence %v", resp.Confidence)}
	default:
		cp := *resp
		cp.Plugin = t.plugin
		r.Kind = ResultOK
		r.Response = &cp
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
