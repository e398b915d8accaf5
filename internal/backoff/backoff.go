// Package backoff implements the retry/defer timers owned by each Transfer
// and DirectReadNode (spec.md §5 "Backoff discipline").
//
// The shape follows the teacher's retry-sleep pattern in
// chunkedDownload (time.Sleep(time.Duration(retry+1) * 500ms)), generalized
// into a reusable generator instead of an inline sleep so both directions
// (upload/download) and both owners (Transfer, DirectReadNode) can share it.
package backoff

import "time"

// Never is the "no scheduled retry" sentinel used when an overquota response
// carries no explicit timeout — the caller must wait for an external signal
// (e.g. a fresh command) rather than a timer.
const Never = time.Duration(1<<63 - 1)

// Generator tracks whether a retry is armed and when it becomes due. One
// Generator is owned per Transfer (per direction) or per DirectReadNode.
type Generator struct {
	step    time.Duration
	retries int
	armed   bool
	due     time.Time
	altPort bool
}

// New creates a generator with a base step; successive Arm calls without an
// explicit duration back off by step*(retries+1), mirroring the teacher's
// linear retry-sleep progression.
func New(step time.Duration) *Generator {
	if step <= 0 {
		step = 500 * time.Millisecond
	}
	return &Generator{step: step}
}

// Arm schedules the next retry after d. Passing Never arms the backoff
// without a due time (blocked until externally cleared, e.g. overquota
// expiry or a fresh URL command).
func (g *Generator) Arm(d time.Duration) {
	g.armed = true
	g.retries++
	if d == Never {
		g.due = time.Time{}
		return
	}
	g.due = time.Now().Add(d)
}

// ArmDefault arms using the generator's own linear progression.
func (g *Generator) ArmDefault() {
	g.Arm(g.step * time.Duration(g.retries+1))
}

// Reset clears the armed state, as happens on completion or explicit reset.
func (g *Generator) Reset() {
	g.armed = false
	g.retries = 0
	g.due = time.Time{}
}

// Armed reports whether a retry is pending.
func (g *Generator) Armed() bool { return g.armed }

// Due reports whether the armed backoff's timer has elapsed. A backoff armed
// with Never never becomes due until Reset or a fresh Arm call.
func (g *Generator) Due(now time.Time) bool {
	if !g.armed {
		return true
	}
	if g.due.IsZero() {
		return false
	}
	return !now.Before(g.due)
}

// Retries returns the number of times Arm has been called since the last
// Reset.
func (g *Generator) Retries() int { return g.retries }

// ToggleAltPort flips the alternate-port flag used on each node-level retry
// to route around a middlebox that only blocks one port (spec.md §5).
func (g *Generator) ToggleAltPort() bool {
	g.altPort = !g.altPort
	return g.altPort
}

// AltPort reports the current alt-port flag without toggling it.
func (g *Generator) AltPort() bool { return g.altPort }
