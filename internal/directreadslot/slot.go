// Package directreadslot implements the hardest component: it drives the
// actual parallel HTTP fetches for one DirectRead, performs RAID
// reassembly, enforces throughput policy, and handles connection
// replacement and retries (spec.md §4.5).
package directreadslot

import (
	"time"

	"github.com/tanq16/xfercore/internal/directread"
	"github.com/tanq16/xfercore/internal/xfererr"
	"github.com/tanq16/xfercore/internal/xferio"
	"github.com/tanq16/xfercore/internal/xlog"
)

var log = xlog.Get("directreadslot")

// Configuration constants (spec.md §4.5).
const (
	MaxDeliveryChunk    int64 = 1 << 20 // caps per-request range in non-RAID mode
	MeanSpeedIntervalDS       = 3 * time.Second

	// slowestToFastestA and slowestToFastestB are the (a, b) pair such that a
	// connection is "too slow" when fast*a > slow*b. Documented and held
	// stable per the Open Question in spec.md §9.
	slowestToFastestA = 3
	slowestToFastestB = 1

	MaxSimultaneousSlowRaidedConns = 1
	ConnectionSwitchesResetWindow  = 10 * time.Second
	DefaultMinComparableThroughput = 8 * 1024 // bytes

	minChunkDivisibleSize int64 = 16 * 1024
)

// conn is one connection's request plus its throughput bookkeeping;
// present is false while the connection has no live request yet.
type conn struct {
	req          xferio.RangedRequest
	present      bool
	throughputBS float64 // bytes/sec, last measured
	bytesSubmit  int64
	windowStart  time.Time
	maxChunkSeen int64
	done         bool
}

// UnusedReason classifies why a connection is the intentionally idle one.
type UnusedReason int

const (
	UnusedDefault UnusedReason = iota
	UnusedSlowThroughput
	UnusedHTTPError
)

// Slot owns mReqs[1 or 6], per-connection throughput accumulators, the RAID
// buffer manager, UnusedConn, switch-budget counters, and watchdog
// timestamps (spec.md §3 "DirectReadSlot").
type Slot struct {
	read *directread.DirectRead
	raid bool

	conns [xferio.RaidParts]conn // only [0] used when !raid
	nreqs int

	buffer xferio.RaidBufferManager

	unusedIdx    int
	unusedReason UnusedReason
	erroredIdx   map[int]bool // connections that hit a definitive error and can't be the replacement unused

	numReqsInflight int
	waitForParts    bool

	switchesBelowThreshold int
	slowestPartSwitches    int
	switchWindowStart      time.Time

	watchdogWindowStart time.Time
	windowBytes         int64
	minSpeedConfigured  float64

	newRequest func(idx int) xferio.RangedRequest
	adjustPort func(url string) string

	destroyed bool
}

// New builds 1 or 6 request slots in READY state for one DirectRead. For
// RAID it takes the unused-part index the RAID buffer currently holds. New
// does not clamp the buffer's per-request max chunk size; each request's
// size is chosen by minChunkForConn when it is issued.
func New(read *directread.DirectRead, raid bool, buffer xferio.RaidBufferManager, newRequest func(idx int) xferio.RangedRequest, adjustPort func(string) string) *Slot {
	n := 1
	if raid {
		n = xferio.RaidParts
	}
	s := &Slot{
		read:                read,
		raid:                raid,
		nreqs:               n,
		buffer:              buffer,
		erroredIdx:          map[int]bool{},
		newRequest:          newRequest,
		adjustPort:          adjustPort,
		switchWindowStart:   time.Now(),
		watchdogWindowStart: time.Now(),
	}
	if raid {
		s.unusedIdx = buffer.GetUnusedRaidConnection()
	}
	read.Slot = s
	return s
}

// SetMinSpeed configures the watchdog's minimum overall throughput in
// bytes/sec; 0 disables the watchdog's speed floor.
func (s *Slot) SetMinSpeed(bytesPerSec float64) { s.minSpeedConfigured = bytesPerSec }

// Abort tears down every connection's request; the slot is unusable after.
func (s *Slot) Abort() {
	for i := 0; i < s.nreqs; i++ {
		if s.conns[i].present && s.conns[i].req != nil {
			s.conns[i].req.Disconnect()
		}
	}
	s.destroyed = true
}

func (s *Slot) minChunkForConn(i int) int64 {
	tp := s.conns[i].throughputBS
	if tp <= 0 || int64(tp) >= minChunkDivisibleSize {
		return minChunkDivisibleSize
	}
	// clamp to the connection's own measured speed, rounded up to a
	// RaidSector multiple so RAID mode stays sector-aligned.
	n := int64(tp)
	if n < xferio.RaidSector {
		n = xferio.RaidSector
	}
	return ((n + xferio.RaidSector - 1) / xferio.RaidSector) * xferio.RaidSector
}

// RetryWholeTransfer is what the slot asks the caller to do when a failure
// can't be handled locally: destroy this slot and re-dispatch the owning
// DirectRead/DirectReadNode with the given error.
type RetryWholeTransfer func(err *xfererr.Error)

// Doio is the main polling step (spec.md §4.5 "doio"), executed once per
// I/O loop wake-up. Connections are visited highest-index first.
func (s *Slot) Doio(retryWhole RetryWholeTransfer) {
	if s.destroyed {
		return
	}

	for i := s.nreqs - 1; i >= 0; i-- {
		if !s.conns[i].present {
			continue
		}
		s.drainInflight(i)
	}

	if !s.drainOutput() {
		return // read finished, caller already told to destroy
	}

	for i := s.nreqs - 1; i >= 0; i-- {
		s.handleSuccessCompletion(i)
	}

	for i := s.nreqs - 1; i >= 0; i-- {
		if s.issueNext(i, retryWhole) {
			return // read destroyed
		}
	}

	for i := s.nreqs - 1; i >= 0; i-- {
		if s.conns[i].present && s.conns[i].req != nil && s.conns[i].req.Status() == xferio.ReqFailure {
			s.handleFailure(i, retryWhole)
		}
	}

	s.watchdog(retryWhole)
}

// drainInflight implements doio step 1: submit buffered bytes to the RAID
// buffer, advance pos, and update throughput.
func (s *Slot) drainInflight(i int) {
	c := &s.conns[i]
	if c.req == nil {
		return
	}
	status := c.req.Status()
	if status != xferio.ReqInflight && status != xferio.ReqSuccess {
		return
	}
	in := c.req.In()
	if len(in) == 0 {
		return
	}

	var n int64
	if status == xferio.ReqSuccess {
		n = int64(len(in))
	} else {
		divisor := s.minChunkForConn(i)
		n = (int64(len(in)) / divisor) * divisor
		if s.raid && n%xferio.RaidSector != 0 {
			n -= n % xferio.RaidSector
		}
		if c.maxChunkSeen > 0 && n > c.maxChunkSeen {
			n = c.maxChunkSeen
		}
	}
	if n <= 0 {
		return
	}
	if n > int64(len(in)) {
		n = int64(len(in))
	}

	s.buffer.SubmitBuffer(i, in[:n])
	c.req.ConsumeIn(int(n))

	if n > c.maxChunkSeen {
		c.maxChunkSeen = n
	}
	c.bytesSubmit += n
	elapsed := time.Since(c.windowStart)
	if elapsed > 0 {
		c.throughputBS = float64(c.bytesSubmit) / elapsed.Seconds()
	}
	s.windowBytes += n
}

// drainOutput implements doio step 2: repeatedly ask the RAID buffer for
// assembled pieces and hand them to the client callback. Returns false if
// the read is finished (callback returned false), in which case the caller
// should stop processing this slot.
func (s *Slot) drainOutput() bool {
	for {
		piece, offset, ok := s.buffer.GetAsyncOutputBufferPointer()
		if !ok {
			return true
		}
		mean := s.meanSpeed()
		inst := s.instantaneousSpeed()
		cont := true
		if s.read.Callback.Data != nil {
			cont = s.read.Callback.Data(piece, offset, inst, mean)
		}
		s.buffer.BufferWriteCompleted(true)
		s.read.Progress = offset + int64(len(piece)) - s.read.Offset
		if !cont {
			s.read.Abort()
			return false
		}
	}
}

func (s *Slot) instantaneousSpeed() float64 {
	var sum float64
	for i := 0; i < s.nreqs; i++ {
		sum += s.conns[i].throughputBS
	}
	return sum
}

func (s *Slot) meanSpeed() float64 {
	elapsed := time.Since(s.watchdogWindowStart)
	if elapsed <= 0 {
		return 0
	}
	return float64(s.windowBytes) / elapsed.Seconds()
}

// handleSuccessCompletion implements doio step 3.
func (s *Slot) handleSuccessCompletion(i int) {
	c := &s.conns[i]
	if c.req == nil {
		return
	}
	if c.req.Status() == xferio.ReqSuccess && len(c.req.In()) == 0 {
		c.req.Reset()
		if s.numReqsInflight > 0 {
			s.numReqsInflight--
		}
	}
}

// waitingOnPeers implements the "Wait-for-parts rule": once
// numReqsInflight == RaidParts (unused virtually counted), withhold new
// requests until inflight returns to zero.
func (s *Slot) waitingOnPeers() bool {
	if !s.raid {
		return false
	}
	inflight := s.numReqsInflight
	if s.unusedIdx >= 0 {
		inflight++ // the unused connection is counted virtually
	}
	if inflight >= xferio.RaidParts {
		s.waitForParts = true
	}
	if s.waitForParts && s.numReqsInflight > 0 {
		return true
	}
	s.waitForParts = false
	return false
}

// issueNext implements doio step 4. Returns true if the read was destroyed.
func (s *Slot) issueNext(i int, retryWhole RetryWholeTransfer) bool {
	c := &s.conns[i]
	ready := !c.present || (c.req != nil && c.req.Status() == xferio.ReqReady)
	if !ready {
		return false
	}
	if s.waitingOnPeers() {
		return false
	}

	if c.throughputBS > 0 {
		s.maybeReplaceSlow(i)
	}

	maxChunk := s.minChunkForConn(i)
	from, to, pause := s.buffer.NextNPosForConnection(i, maxChunk)
	if pause {
		return false
	}
	if to <= from {
		c.done = true
		if s.allDone() {
			s.read.Abort()
			return true
		}
		return false
	}
	if !s.raid && to-from > MaxDeliveryChunk {
		to = from + MaxDeliveryChunk
	}

	if c.req == nil {
		c.req = s.newRequest(i)
		c.present = true
	}
	url := s.buffer.TempURL(i)
	if s.adjustPort != nil {
		url = s.adjustPort(url)
	}
	c.req.SetPostURL(url)
	c.windowStart = time.Now()
	c.bytesSubmit = 0
	if err := c.req.Post(from, to); err != nil {
		s.handleFailure(i, retryWhole)
		return false
	}
	s.numReqsInflight++
	return false
}

func (s *Slot) allDone() bool {
	for i := 0; i < s.nreqs; i++ {
		if i == s.unusedIdx {
			continue
		}
		if !s.conns[i].done {
			return false
		}
	}
	return true
}

// handleFailure implements doio step 5.
func (s *Slot) handleFailure(i int, retryWhole RetryWholeTransfer) {
	c := &s.conns[i]
	if c.req == nil {
		return
	}
	httpStatus := c.req.HTTPStatus()
	if httpStatus == 509 {
		retryWhole(&xfererr.Error{Kind: xfererr.EOVERQUOTA, HTTPStatus: httpStatus})
		return
	}
	s.retryOnError(i, httpStatus, retryWhole)
}

// retryOnError implements spec.md §4.5 "Retry-on-error".
func (s *Slot) retryOnError(i int, httpStatus int, retryWhole RetryWholeTransfer) {
	if !s.raid {
		retryWhole(&xfererr.Error{Kind: xfererr.EREAD, HTTPStatus: httpStatus})
		return
	}

	reason := classifyHTTPStatus(httpStatus)
	if reason != UnusedHTTPError {
		retryWhole(&xfererr.Error{Kind: xfererr.EAGAIN, HTTPStatus: httpStatus})
		return
	}
	if i == s.unusedIdx {
		retryWhole(&xfererr.Error{Kind: xfererr.EAGAIN, HTTPStatus: httpStatus})
		return
	}
	if s.erroredIdx[s.unusedIdx] {
		retryWhole(&xfererr.Error{Kind: xfererr.EAGAIN, HTTPStatus: httpStatus})
		return
	}

	prevUnused := s.unusedIdx
	s.erroredIdx[i] = true
	s.unusedIdx = i
	s.unusedReason = UnusedHTTPError
	s.buffer.SetUnusedRaidConnection(i)
	s.buffer.ResetPart(prevUnused)
	s.buffer.ResetPart(i)

	if s.conns[i].present {
		s.conns[i].done = false
		if s.conns[i].req != nil {
			s.conns[i].req.Reset()
		}
		if s.numReqsInflight > 0 {
			s.numReqsInflight--
		}
	}
	s.conns[prevUnused].done = false
	log.Debug().Int("failed", i).Int("prevUnused", prevUnused).Msg("swapped unused connection after definitive error")
}

// classifyHTTPStatus maps an HTTP status into an UnusedReason. Non-error
// (2xx/absent) or ambiguous statuses (e.g. connection reset with no status)
// are not "definitive" — only clear 4xx/5xx storage responses are.
func classifyHTTPStatus(status int) UnusedReason {
	if status >= 400 && status < 600 && status != 509 {
		return UnusedHTTPError
	}
	return UnusedDefault
}
