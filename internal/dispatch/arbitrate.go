package dispatch

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/mattjoyce/switchboard/internal/protocol"
)

// rank orders results so the best response comes first: responses before
// everything else, then higher confidence first. NaN ranks below every
// number. The sort is stable, so ties keep candidate order.
func rank(results []Result) []Result {
	out := make([]Result, len(results))
	copy(out, results)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		aok, bok := a.Kind == ResultOK, b.Kind == ResultOK
		if aok != bok {
			return aok
		}
		if !aok {
			return false
		}
		return rankValue(a.Response.Confidence) > rankValue(b.Response.Confidence)
	})
	return out
}

func rankValue(c float64) float64 {
	if math.IsNaN(c) {
		return math.Inf(-1)
	}
	return c
}

// resolveResponses picks at most one response and explains the fate of
// every candidate. Fragments are emitted in candidate order whatever the
// ranking was.
func resolveResponses(results []Result) (*protocol.Response, []string) {
	var chosen *protocol.Response
	byIndex := make(map[int][]string, len(results))

	for _, r := range rank(results) {
		var frags []string
		switch r.Kind {
		case ResultDeclined:
			frags = append(frags, fmt.Sprintf("plugin %s declined", r.Plugin))
		case ResultTimeout:
			frags = append(frags, fmt.Sprintf("plugin %s timed out", r.Plugin))
		case ResultCrash:
			kind := CrashError
			if r.Crash != nil {
				kind = r.Crash.Kind
			}
			frags = append(frags, fmt.Sprintf("plugin %s errored with %s", r.Plugin, kind))
		case ResultOK:
			frags = append(frags, describe(r.Response))
			if chosen == nil {
				chosen = r.Response
				frags = append(frags, fmt.Sprintf("we chose plugin %s's response", r.Plugin))
			}
		default:
			frags = append(frags, fmt.Sprintf("plugin %s ended with unknown result %q", r.Plugin, r.Kind))
		}
		byIndex[r.Index] = frags
	}

	traceback := make([]string, 0, len(results)+1)
	for _, r := range results {
		traceback = append(traceback, byIndex[r.Index]...)
	}
	return chosen, traceback
}

func describe(resp *protocol.Response) string {
	confidence := strconv.FormatFloat(resp.Confidence, 'g', -1, 64)
	var s string
	if resp.HasCallback() {
		s = fmt.Sprintf("plugin %s responded with confidence %s and offered a callback", resp.Plugin, confidence)
	} else {
		s = fmt.Sprintf("plugin %s responded with confidence %s: %q", resp.Plugin, confidence, resp.Body.Plain())
	}
	if resp.Reason != "" {
		s += " (" + resp.Reason + ")"
	}
	return s
}
