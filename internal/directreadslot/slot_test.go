package directreadslot

import (
	"sync"
	"testing"
	"time"

	"github.com/tanq16/xfercore/internal/directread"
	"github.com/tanq16/xfercore/internal/xfererr"
	"github.com/tanq16/xfercore/internal/xferio"
)

// fakeRequest is a synchronous, single-shot RangedRequest stand-in: Post
// immediately completes with the requested slice of a fixed source, so the
// slot's doio loop can be driven deterministically without real I/O.
type fakeRequest struct {
	mu         sync.Mutex
	source     func() []byte
	url        string
	status     xferio.ReqStatus
	httpStatus int
	buf        []byte
	failNext   bool
	failStatus int
}

func (f *fakeRequest) PostURL() string          { return f.url }
func (f *fakeRequest) SetPostURL(u string)      { f.url = u }
func (f *fakeRequest) Disconnect()              { f.status = xferio.ReqDone }
func (f *fakeRequest) Pos() int64               { return 0 }
func (f *fakeRequest) ContentLength() int64     { return 0 }
func (f *fakeRequest) LastData() time.Time      { return time.Now() }
func (f *fakeRequest) PostStartTime() time.Time { return time.Now() }

func (f *fakeRequest) Post(from, to int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.status = xferio.ReqFailure
		f.httpStatus = f.failStatus
		return nil
	}
	src := f.source()
	if to > int64(len(src)) {
		to = int64(len(src))
	}
	f.buf = append([]byte{}, src[from:to]...)
	f.httpStatus = 200
	f.status = xferio.ReqSuccess
	return nil
}

func (f *fakeRequest) Status() xferio.ReqStatus { f.mu.Lock(); defer f.mu.Unlock(); return f.status }
func (f *fakeRequest) HTTPStatus() int          { f.mu.Lock(); defer f.mu.Unlock(); return f.httpStatus }

func (f *fakeRequest) In() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.buf))
	copy(out, f.buf)
	return out
}

func (f *fakeRequest) ConsumeIn(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n >= len(f.buf) {
		f.buf = f.buf[:0]
		return
	}
	f.buf = append(f.buf[:0], f.buf[n:]...)
}

func (f *fakeRequest) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = xferio.ReqReady
	f.httpStatus = 0
	f.buf = f.buf[:0]
}

// drainSlot pumps Doio until the slot is destroyed (read finished, or a
// failure escalated), returning whichever failure was reported, if any.
func drainSlot(t *testing.T, slot *Slot, timeout time.Duration) *xfererr.Error {
	t.Helper()
	var failErr *xfererr.Error
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		slot.Doio(func(err *xfererr.Error) { failErr = err })
		if slot.destroyed || failErr != nil {
			return failErr
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("drainSlot: timed out before the slot was destroyed")
	return failErr
}

func newSingleSlot(data []byte, count int64, onData func(buf []byte, off int64) bool) (*Slot, *directread.DirectRead) {
	node := directread.NewNode(directread.NodeKey{Handle: "h"}, count)
	cb := directread.Callback{
		Data: func(buf []byte, off int64, inst, mean float64) bool {
			return onData(buf, off)
		},
		Failure: func(err *xfererr.Error, retryCount int, timeLeft time.Duration) time.Duration {
			return 0
		},
		IsValid: func() bool { return true },
	}
	r := node.Enqueue(0, count, cb)

	buffer := xferio.NewSixWayRaidBuffer()
	buffer.SetSingle("https://example.com/f", 0, count, count, 1<<20)

	requestMaker := func(idx int) xferio.RangedRequest {
		return &fakeRequest{source: func() []byte { return data }}
	}
	slot := New(r, false, buffer, requestMaker, func(u string) string { return u })
	return slot, r
}

func TestSlotSingleConnectionDeliversFullContent(t *testing.T) {
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i)
	}
	var got []byte
	slot, _ := newSingleSlot(data, int64(len(data)), func(buf []byte, off int64) bool {
		got = append(got, buf...)
		return int64(len(got)) < int64(len(data))
	})

	drainSlot(t, slot, 2*time.Second)

	if len(got) != len(data) {
		t.Fatalf("got %d bytes, want %d", len(got), len(data))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d mismatch: got %x want %x", i, got[i], data[i])
		}
	}
}

func TestSlotAbortDisconnectsPresentConnections(t *testing.T) {
	data := make([]byte, 100)
	slot, _ := newSingleSlot(data, int64(len(data)), func(buf []byte, off int64) bool { return true })
	slot.Doio(func(err *xfererr.Error) {})
	slot.Abort()
	if !slot.destroyed {
		t.Fatal("expected slot marked destroyed after Abort")
	}
	slot.Doio(func(err *xfererr.Error) {})
}

func TestRaidUnusedConnectionSwapsOnDefinitiveHTTPError(t *testing.T) {
	s := &Slot{
		raid:       true,
		nreqs:      xferio.RaidParts,
		buffer:     xferio.NewSixWayRaidBuffer(),
		erroredIdx: map[int]bool{},
		unusedIdx:  5,
	}
	s.conns[3].present = true
	s.conns[3].req = &fakeRequest{}

	s.retryOnError(3, 403, func(err *xfererr.Error) {
		t.Fatalf("retryWhole should not be called on a swappable definitive error, got %v", err)
	})

	if s.unusedIdx != 3 {
		t.Fatalf("unusedIdx = %d, want 3 after swap", s.unusedIdx)
	}
	if s.unusedReason != UnusedHTTPError {
		t.Fatalf("unusedReason = %v, want UnusedHTTPError", s.unusedReason)
	}
	if !s.erroredIdx[3] {
		t.Fatal("expected connection 3 marked errored so it can't be swapped back in")
	}
}

func TestRaidSecondDefinitiveErrorEscalatesWhenNoSwapAvailable(t *testing.T) {
	s := &Slot{
		raid:       true,
		nreqs:      xferio.RaidParts,
		buffer:     xferio.NewSixWayRaidBuffer(),
		erroredIdx: map[int]bool{5: true},
		unusedIdx:  5,
	}
	s.conns[2].present = true
	s.conns[2].req = &fakeRequest{}

	var gotErr *xfererr.Error
	s.retryOnError(2, 403, func(err *xfererr.Error) { gotErr = err })

	if gotErr == nil || gotErr.Kind != xfererr.EAGAIN {
		t.Fatalf("expected EAGAIN when the current unused connection already errored, got %v", gotErr)
	}
	if s.unusedIdx != 5 {
		t.Fatal("unusedIdx should not change when no swap is possible")
	}
}

func TestNonRaidRetryOnErrorAlwaysEscalates(t *testing.T) {
	s := &Slot{raid: false, nreqs: 1, buffer: xferio.NewSixWayRaidBuffer()}
	var gotErr *xfererr.Error
	s.retryOnError(0, 500, func(err *xfererr.Error) { gotErr = err })
	if gotErr == nil || gotErr.Kind != xfererr.EREAD {
		t.Fatalf("expected EREAD for a non-RAID failure, got %v", gotErr)
	}
}

func TestMaybeReplaceSlowSwapsSlowestConnectionForUnused(t *testing.T) {
	buffer := xferio.NewSixWayRaidBuffer()
	s := &Slot{
		raid:              true,
		nreqs:             xferio.RaidParts,
		buffer:            buffer,
		unusedIdx:         5,
		switchWindowStart: time.Now(),
	}
	s.conns[0].bytesSubmit = 10000 // self, about to issue next
	s.conns[1].bytesSubmit = 10000
	s.conns[1].throughputBS = 10 // slow
	s.conns[1].req = &fakeRequest{status: xferio.ReqReady}
	s.conns[2].bytesSubmit = 10000
	s.conns[2].throughputBS = 1000 // fast

	s.maybeReplaceSlow(0)

	if s.unusedIdx != 1 {
		t.Fatalf("unusedIdx = %d, want 1 (the slow connection swapped out)", s.unusedIdx)
	}
	if s.unusedReason != UnusedSlowThroughput {
		t.Fatalf("unusedReason = %v, want UnusedSlowThroughput", s.unusedReason)
	}
	if buffer.GetUnusedRaidConnection() != 1 {
		t.Fatalf("buffer unused connection = %d, want 1", buffer.GetUnusedRaidConnection())
	}
}

func TestMaybeReplaceSlowNoOpWhenSlowestStillInflight(t *testing.T) {
	buffer := xferio.NewSixWayRaidBuffer()
	s := &Slot{
		raid:              true,
		nreqs:             xferio.RaidParts,
		buffer:            buffer,
		unusedIdx:         5,
		switchWindowStart: time.Now(),
	}
	s.conns[0].bytesSubmit = 10000
	s.conns[1].bytesSubmit = 10000
	s.conns[1].throughputBS = 10
	s.conns[1].req = &fakeRequest{status: xferio.ReqInflight} // still fetching, not swappable yet
	s.conns[2].bytesSubmit = 10000
	s.conns[2].throughputBS = 1000

	s.maybeReplaceSlow(0)

	if s.unusedIdx != 5 {
		t.Fatalf("unusedIdx = %d, want unchanged 5 (the slow connection isn't READY yet)", s.unusedIdx)
	}
}

func TestWatchdogRetriesWholeWhenMeanSpeedBelowMinimum(t *testing.T) {
	s := &Slot{
		raid:                false,
		nreqs:               1,
		buffer:              xferio.NewSixWayRaidBuffer(),
		unusedIdx:           -1,
		minSpeedConfigured:  1_000_000,
		watchdogWindowStart: time.Now().Add(-4 * time.Second),
		windowBytes:         10,
	}
	s.conns[0].throughputBS = 2_000_000 // per-connection speed looks fine

	var gotErr *xfererr.Error
	s.watchdog(func(err *xfererr.Error) { gotErr = err })

	if gotErr == nil || gotErr.Kind != xfererr.EAGAIN {
		t.Fatalf("expected an EAGAIN retry-whole when mean throughput trails the configured minimum, got %v", gotErr)
	}
}

func TestWatchdogNoOpBeforeIntervalElapses(t *testing.T) {
	s := &Slot{
		raid:                false,
		nreqs:               1,
		buffer:              xferio.NewSixWayRaidBuffer(),
		unusedIdx:           -1,
		minSpeedConfigured:  1_000_000,
		watchdogWindowStart: time.Now(),
		windowBytes:         10,
	}
	called := false
	s.watchdog(func(err *xfererr.Error) { called = true })
	if called {
		t.Fatal("watchdog should not act before MeanSpeedIntervalDS has elapsed")
	}
}
