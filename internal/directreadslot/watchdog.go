package directreadslot

import (
	"time"

	"github.com/tanq16/xfercore/internal/xfererr"
	"github.com/tanq16/xfercore/internal/xferio"
)

func (s *Slot) resetSwitchWindowIfElapsed(now time.Time) {
	if now.Sub(s.switchWindowStart) >= ConnectionSwitchesResetWindow {
		s.switchesBelowThreshold = 0
		s.slowestPartSwitches = 0
		s.switchWindowStart = now
	}
}

// comparablePeers returns, among connections other than self and the
// unused index, the slowest and fastest indices whose throughput is
// "comparable" (bytesSubmitted >= DefaultMinComparableThroughput) and not
// DONE.
func (s *Slot) comparablePeers(self int) (slowest, fastest int, ok bool) {
	slowest, fastest = -1, -1
	for i := 0; i < s.nreqs; i++ {
		if i == self || i == s.unusedIdx {
			continue
		}
		c := &s.conns[i]
		if c.done || c.bytesSubmit < DefaultMinComparableThroughput {
			continue
		}
		if slowest == -1 || c.throughputBS < s.conns[slowest].throughputBS {
			slowest = i
		}
		if fastest == -1 || c.throughputBS > s.conns[fastest].throughputBS {
			fastest = i
		}
	}
	return slowest, fastest, slowest != -1 && fastest != -1
}

// maybeReplaceSlow implements "Slow-connection replacement (adaptive)"
// (spec.md §4.5): on entering the ready/idle branch for a connection whose
// throughput is comparable, inspect peers and swap the slowest for the
// unused connection when the throughput ratio crosses the configured
// threshold.
func (s *Slot) maybeReplaceSlow(self int) {
	if !s.raid {
		return
	}
	now := time.Now()
	s.resetSwitchWindowIfElapsed(now)

	if s.conns[self].bytesSubmit < DefaultMinComparableThroughput {
		return
	}

	slowest, fastest, ok := s.comparablePeers(self)
	if !ok {
		return
	}
	slowestIsReadyOrSelf := slowest == self || (s.conns[slowest].req != nil && s.conns[slowest].req.Status() == xferio.ReqReady)
	if !slowestIsReadyOrSelf {
		return
	}
	if fastest == slowest {
		return
	}
	fastSpeed := s.conns[fastest].throughputBS
	slowSpeed := s.conns[slowest].throughputBS
	if !(fastSpeed*slowestToFastestA > slowSpeed*slowestToFastestB) {
		return
	}
	if s.slowestPartSwitches >= s.slowSwitchBudget() {
		return
	}

	prevUnused := s.unusedIdx
	s.unusedIdx = slowest
	s.unusedReason = UnusedSlowThroughput
	s.buffer.SetUnusedRaidConnection(slowest)
	s.buffer.ResetPart(prevUnused)
	s.buffer.ResetPart(slowest)
	s.conns[prevUnused].done = false
	s.conns[slowest].throughputBS = 0
	s.conns[slowest].bytesSubmit = 0
	s.slowestPartSwitches++
	log.Debug().Int("slow", slowest).Int("prevUnused", prevUnused).Msg("replaced slow connection")
}

func (s *Slot) slowSwitchBudget() int { return 3 }

// watchdog implements spec.md §4.5 "Watchdog": once MeanSpeedIntervalDS has
// elapsed since the last reset, compare mean/per-connection speed against
// configured minimums and drive replacement or a whole-transfer retry.
func (s *Slot) watchdog(retryWhole RetryWholeTransfer) {
	now := time.Now()
	elapsed := now.Sub(s.watchdogWindowStart)
	if elapsed < MeanSpeedIntervalDS {
		return
	}

	minSpeed := s.minOverallSpeed()
	meanSpeed := float64(s.windowBytes) / elapsed.Seconds()

	defer func() {
		s.watchdogWindowStart = now
		s.windowBytes = 0
	}()

	if minSpeed == 0 {
		return
	}

	for i := 0; i < s.nreqs; i++ {
		if s.conns[i].present && s.conns[i].req != nil && s.conns[i].req.Status() == xferio.ReqFailure {
			return
		}
	}

	minPerConn := minSpeed / float64(activeConnCount(s))
	var slow []int
	for i := 0; i < s.nreqs; i++ {
		if i == s.unusedIdx || s.conns[i].done {
			continue
		}
		if s.conns[i].throughputBS < minPerConn {
			slow = append(slow, i)
		}
	}

	if len(slow) == 0 {
		if meanSpeed < minSpeed {
			retryWhole(&xfererr.Error{Kind: xfererr.EAGAIN})
		}
		return
	}

	if len(slow) <= MaxSimultaneousSlowRaidedConns {
		idx := slow[0]
		if s.unusedReason != UnusedHTTPError && s.numReqsInflight >= EffectiveRaidPartsConst {
			if s.switchesBelowThreshold < s.slowSwitchBudget() {
				s.replaceWithUnused(idx)
				s.switchesBelowThreshold++
				return
			}
		}
		if s.numReqsInflight < EffectiveRaidPartsConst {
			s.switchesBelowThreshold++
			return
		}
		retryWhole(&xfererr.Error{Kind: xfererr.EAGAIN})
		return
	}

	retryWhole(&xfererr.Error{Kind: xfererr.EAGAIN})
}

// EffectiveRaidPartsConst mirrors xferio.EffectiveRaidParts without an
// import cycle concern; kept as its own name since the watchdog reasons
// about "requests inflight" purely in slot-local terms.
const EffectiveRaidPartsConst = 5

func activeConnCount(s *Slot) int {
	n := 0
	for i := 0; i < s.nreqs; i++ {
		if i != s.unusedIdx {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

func (s *Slot) replaceWithUnused(slow int) {
	prevUnused := s.unusedIdx
	s.unusedIdx = slow
	s.unusedReason = UnusedSlowThroughput
	s.buffer.SetUnusedRaidConnection(slow)
	s.buffer.ResetPart(prevUnused)
	s.buffer.ResetPart(slow)
	s.conns[prevUnused].done = false
	s.conns[slow].throughputBS = 0
	s.conns[slow].bytesSubmit = 0
}

// minOverallSpeed is the configured minimum throughput; 0 means "no limit".
// The slot doesn't own configuration itself (spec.md keeps it
// "configured or default"); SetMinSpeed sets it.
func (s *Slot) minOverallSpeed() float64 { return s.minSpeedConfigured }
