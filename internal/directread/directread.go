// Package directread implements the streaming direct-read multiplexer:
// DirectReadNode fans out to zero or more DirectRead range requests
// awaiting service (spec.md §4.4).
package directread

import (
	"time"

	"github.com/google/uuid"
	"github.com/tanq16/xfercore/internal/backoff"
	"github.com/tanq16/xfercore/internal/xfererr"
	"github.com/tanq16/xfercore/internal/xlog"
)

var log = xlog.Get("directread")

// TimeoutDS is the per-node scheduled timeout (spec.md §5, "TIMEOUT_DS").
const TimeoutDS = 30 * time.Second

// TempURLTimeout is when temp URLs are considered expired and must be
// re-requested (spec.md §5, "TEMPURL_TIMEOUT_TS").
const TempURLTimeout = 5 * time.Minute

// NodeKey identifies a DirectReadNode: {handle, is-private} (spec.md §3).
type NodeKey struct {
	Handle    string
	IsPrivate bool
}

// DataFunc is the Application callback's Data variant: it receives an
// assembled piece and returns false to signal the read is finished
// (spec.md §6).
type DataFunc func(buf []byte, offset int64, instantaneousSpeed, meanSpeed float64) (cont bool)

// FailureFunc is the Application callback's Failure variant: it returns the
// caller's desired retry delay.
type FailureFunc func(err *xfererr.Error, retryCount int, timeLeft time.Duration) time.Duration

// Callback is the variant dispatched to the application for one DirectRead
// (spec.md §6).
type Callback struct {
	Data    DataFunc
	Failure FailureFunc
	Revoke  func(appData any)
	IsValid func() bool
	AppData any
}

// SlotOwner is satisfied by a DirectReadSlot; kept as an interface here so
// this package doesn't import directreadslot (which imports this package
// for DirectRead/DirectReadNode types), avoiding an import cycle.
type SlotOwner interface {
	Abort()
}

// DirectRead is one range request: {offset, count, progress,
// nextrequestpos, reqtag, callback} (spec.md §3).
type DirectRead struct {
	Node *DirectReadNode

	Offset         int64
	Count          int64
	Progress       int64
	NextRequestPos int64
	ReqTag         string
	Callback       Callback

	Slot SlotOwner
}

func newDirectRead(node *DirectReadNode, offset, count int64, cb Callback) *DirectRead {
	return &DirectRead{
		Node:           node,
		Offset:         offset,
		Count:          count,
		NextRequestPos: offset,
		ReqTag:         uuid.NewString(),
		Callback:       cb,
	}
}

// Abort destroys the slot (closing all HTTP sockets) and removes the read
// from its node — DirectRead abortion per spec.md §5 "Cancellation".
func (r *DirectRead) Abort() {
	if r.Slot != nil {
		r.Slot.Abort()
		r.Slot = nil
	}
	r.Node.removeRead(r)
}

// DirectReadNode is keyed by {handle, is-private}; owns pending DirectReads
// and the current tempurls vector (spec.md §3, §4.4).
type DirectReadNode struct {
	Key      NodeKey
	Size     int64
	TempURLs []string
	Retries  int
	Backoff  *backoff.Generator

	reads             []*DirectRead
	urlRefreshPending bool
	lastCommandAt     time.Time
}

// NewNode constructs an empty DirectReadNode for a file.
func NewNode(key NodeKey, size int64) *DirectReadNode {
	return &DirectReadNode{
		Key:     key,
		Size:    size,
		Backoff: backoff.New(500 * time.Millisecond),
	}
}

// Enqueue adds a new DirectRead range request to this node.
func (n *DirectReadNode) Enqueue(offset, count int64, cb Callback) *DirectRead {
	r := newDirectRead(n, offset, count, cb)
	n.reads = append(n.reads, r)
	return r
}

func (n *DirectReadNode) removeRead(target *DirectRead) {
	out := n.reads[:0]
	for _, r := range n.reads {
		if r != target {
			out = append(out, r)
		}
	}
	n.reads = out
}

// Reads returns the pending DirectReads.
func (n *DirectReadNode) Reads() []*DirectRead { return n.reads }

// Dispatch implements spec.md §4.4 dispatch(): if there are no reads,
// destroy; else record the dispatch time in lastCommandAt and, if no
// URL-refresh command is already outstanding, report that one should be
// issued. Dispatch arms no timer; TimeoutDS is not applied here.
//
// destroy is true when the caller should remove this node. needsCommand is
// true when the caller (the engine, which owns the nodeapi client) should
// issue a fresh-URL command and later report the outcome via CmdResult —
// kept out of this package so DirectReadNode never touches network I/O
// directly, matching the out-of-scope boundary in spec.md §1.
func (n *DirectReadNode) Dispatch() (destroy bool, needsCommand bool) {
	if len(n.reads) == 0 {
		return true, false
	}
	n.lastCommandAt = time.Now()
	if n.urlRefreshPending {
		return false, false
	}
	n.urlRefreshPending = true
	return false, true
}

// EnqueueFunc pushes reads onto the global read queue owned by the engine.
type EnqueueFunc func(r *DirectRead)

// CmdResult implements spec.md §4.4 cmdresult(): on success, for each read
// either initializes its RAID buffer with the new URLs or swaps URLs in
// place if already initialized (keeping downloaded pieces); enqueues all
// reads and reschedules. initOrSwap is supplied by the slot layer since
// this package has no RAID buffer dependency.
func (n *DirectReadNode) CmdResult(ok bool, urls []string, initOrSwap func(r *DirectRead, urls []string), enqueue EnqueueFunc) {
	n.urlRefreshPending = false
	if !ok {
		return
	}
	n.TempURLs = urls
	for _, r := range n.reads {
		initOrSwap(r, urls)
		enqueue(r)
	}
	n.Backoff.Reset()
}

// Retry implements spec.md §4.4 retry(): increments retries, flips the
// alt-port flag, aborts each read, and calls its failure callback to learn
// the desired retry delay; the minimum desired delay governs rescheduling.
// EOVERQUOTA with nonzero timeLeft blocks retries until expiry; EPAYWALL is
// treated as cancellation. An empty read list after this destroys the node.
func (n *DirectReadNode) Retry(err *xfererr.Error, timeLeft time.Duration) (destroy bool, nextDelay time.Duration) {
	n.Retries++
	n.Backoff.ToggleAltPort()

	snapshot := append([]*DirectRead{}, n.reads...)

	if err.Kind == xfererr.EPAYWALL {
		for _, r := range snapshot {
			r.Abort()
		}
		return len(n.reads) == 0, backoff.Never
	}

	minDelay := backoff.Never
	for _, r := range snapshot {
		r.Abort()
	}
	for _, r := range snapshot {
		if r.Callback.Failure == nil {
			continue
		}
		d := r.Callback.Failure(err, n.Retries, timeLeft)
		if d < minDelay {
			minDelay = d
		}
	}

	if err.Kind == xfererr.EOVERQUOTA && timeLeft > 0 {
		minDelay = timeLeft
	}

	if len(n.reads) == 0 {
		return true, minDelay
	}
	return false, minDelay
}
