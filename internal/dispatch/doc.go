// Package dispatch resolves the top response to an inbound message.
//
// For every message the dispatcher:
//   - asks the channel lock manager whether the channel is pinned to a plugin
//   - fans out to the locked plugin's callback, or to every candidate plugin
//     the site allows
//   - collects results under a fixed deadline (500ms by default)
//   - ranks and arbitrates the results, building a traceback that explains
//     what happened to every candidate
//   - runs the winner's callback, if it offered one
//   - records the decision, together with any lock transition, in the ledger
//
// Fan-out:
//   - Each candidate runs in its own goroutine with its own copy of the site
//     configuration
//   - A plugin that returns nil declines; an error or panic is recorded as a
//     crash and logged with its stack
//   - Workers still running at the deadline are recorded as timed out. Their
//     context is cancelled and their late result is discarded
//   - The caller's cancellation does not cut a dispatch short
//
// Error handling:
//   - Plugin failures never fail a dispatch
//   - Malformed lock state, lock conflicts and ledger write failures are
//     returned to the caller
package dispatch
