// Package transferlist implements the priority-ordered per-direction
// sequences of transfers and the "choose next to activate" selector
// (spec.md §4.3).
package transferlist

import (
	"errors"
	"time"

	"github.com/tanq16/xfercore/internal/transfer"
	"github.com/tanq16/xfercore/internal/xfererr"
	"github.com/tanq16/xfercore/internal/xlog"
)

var log = xlog.Get("transferlist")

// initialPriority and priorityStep are implementation-defined constants:
// currentpriority starts far from zero so move-before can subtract a few
// steps without underflowing, and the step is wide enough that several
// consecutive midpoint bisections still leave integer room before a
// renumber is needed.
const (
	initialPriority uint64 = 1 << 48
	priorityStep    uint64 = 1 << 20
)

// SizeClass buckets a transfer by its total size for dispatch pooling.
type SizeClass int

const (
	SmallFile SizeClass = iota
	LargeFile
)

// LargeFileThreshold is the size-class boundary named in spec.md §4.3.
const LargeFileThreshold int64 = 131072

// BucketKey indexes a NextTransfers result by (direction, size-class).
type BucketKey struct {
	Direction transfer.Direction
	SizeClass SizeClass
}

// Bucket is one (direction, size-class) admission pool.
type Bucket struct {
	Key       BucketKey
	Transfers []*transfer.Transfer
}

// ContinueFunc caps per-category admission; it is asked before each
// candidate is added and returning false stops that bucket from growing
// further this round.
type ContinueFunc func(dir transfer.Direction, sc SizeClass, countSoFar int) bool

// DirectionContinueFunc gates an entire direction for this round.
type DirectionContinueFunc func(dir transfer.Direction) bool

// TransferList holds the two direction-indexed, priority-sorted sequences.
type TransferList struct {
	seqs            map[transfer.Direction][]*transfer.Transfer
	currentPriority uint64
}

func New() *TransferList {
	return &TransferList{
		seqs: map[transfer.Direction][]*transfer.Transfer{
			transfer.PUT: {},
			transfer.GET: {},
		},
		currentPriority: initialPriority,
	}
}

// Sequence returns the current, sorted sequence for a direction.
func (tl *TransferList) Sequence(dir transfer.Direction) []*transfer.Transfer {
	out := make([]*transfer.Transfer, len(tl.seqs[dir]))
	copy(out, tl.seqs[dir])
	return out
}

func indexOf(seq []*transfer.Transfer, t *transfer.Transfer) int {
	for i, x := range seq {
		if x == t {
			return i
		}
	}
	return -1
}

func insertSorted(seq []*transfer.Transfer, t *transfer.Transfer) []*transfer.Transfer {
	i := 0
	for i < len(seq) && seq[i].Priority < t.Priority {
		i++
	}
	seq = append(seq, nil)
	copy(seq[i+1:], seq[i:])
	seq[i] = t
	return seq
}

func removeAt(seq []*transfer.Transfer, i int) []*transfer.Transfer {
	return append(seq[:i], seq[i+1:]...)
}

// Append appends t under its direction. New transfers get
// currentpriority + step; if startFirst, the transfer instead takes a
// priority one step below the current head (spec.md §4.3).
func (tl *TransferList) Append(t *transfer.Transfer, startFirst bool) {
	seq := tl.seqs[t.Direction]
	if startFirst && len(seq) > 0 {
		t.Priority = seq[0].Priority - priorityStep
	} else {
		tl.currentPriority += priorityStep
		t.Priority = tl.currentPriority
	}
	tl.seqs[t.Direction] = insertSorted(seq, t)
}

// Remove drops t from its direction's sequence, satisfying the
// transfer.RemoveFunc shape that Transfer.Failed/FailedGeneric/
// CompleteDownload/CompleteUpload call when a transfer is torn down. A
// missing t is a no-op, since some teardown paths call it more than once.
func (tl *TransferList) Remove(t *transfer.Transfer) {
	seq := tl.seqs[t.Direction]
	if i := indexOf(seq, t); i >= 0 {
		tl.seqs[t.Direction] = removeAt(seq, i)
	}
}

var ErrCrossDirectionMove = errors.New("transferlist: move-before across directions")
var ErrAnchorNotFound = errors.New("transferlist: anchor not in list")

// MoveBefore inserts t immediately before anchor, per the midpoint /
// renumber / demotion algorithm in spec.md §4.3.
func (tl *TransferList) MoveBefore(t, anchor *transfer.Transfer) error {
	if t.Direction != anchor.Direction {
		return ErrCrossDirectionMove
	}
	dir := t.Direction
	seq := tl.seqs[dir]

	if i := indexOf(seq, t); i >= 0 {
		seq = removeAt(seq, i)
	}
	idx := indexOf(seq, anchor)
	if idx < 0 {
		return ErrAnchorNotFound
	}

	predPriority := func() uint64 {
		if idx > 0 {
			return seq[idx-1].Priority
		}
		return anchor.Priority - 2*priorityStep
	}

	pp := predPriority()
	mid := pp + (anchor.Priority-pp)/2

	if mid == pp {
		// No integer space: renumber every element up to anchor, then
		// bisect the now-vacated slot just before anchor. The base is
		// measured from the list's head, not the anchor (spec.md §4.3).
		base := seq[0].Priority - priorityStep*uint64(idx+1)
		for i := 0; i < idx; i++ {
			seq[i].Priority = base + uint64(i)*priorityStep
		}
		pp = predPriority()
		mid = pp + (anchor.Priority-pp)/2
		log.Debug().Str("direction", dir.String()).Msg("renumbered priorities before move-before")
	}

	oldPriority := t.Priority
	t.Priority = mid
	tl.seqs[dir] = insertSorted(seq, t)

	switch {
	case mid < oldPriority:
		tl.demoteLastActiveAbove(dir, t)
	case mid > oldPriority && t.Slot != nil:
		if tl.anyReadyAbove(dir, t, time.Now()) {
			t.DestroySlot()
			t.State = transfer.StateQueued
		}
	}
	return nil
}

// demoteLastActiveAbove implements "the last active transfer in the same
// direction whose priority exceeds the target is demoted": its slot is
// destroyed, its backoff armed, and its state set QUEUED.
func (tl *TransferList) demoteLastActiveAbove(dir transfer.Direction, target *transfer.Transfer) {
	seq := tl.seqs[dir]
	for i := len(seq) - 1; i >= 0; i-- {
		cand := seq[i]
		if cand == target {
			continue
		}
		if cand.Priority > target.Priority && cand.Slot != nil {
			cand.DestroySlot()
			cand.Backoff.ArmDefault()
			cand.State = transfer.StateQueued
			log.Debug().Str("direction", dir.String()).Uint64("priority", cand.Priority).Msg("demoted transfer to make room")
			return
		}
	}
}

func (tl *TransferList) anyReadyAbove(dir transfer.Direction, target *transfer.Transfer, now time.Time) bool {
	for _, cand := range tl.seqs[dir] {
		if cand.Priority > target.Priority && tl.IsReady(cand, now) {
			return true
		}
	}
	return false
}

// Pause enables or disables PAUSED on t. Enabling destroys the slot and
// arms backoff; disabling requeues it and applies the same demotion rule
// as an in-place move-before-self (spec.md §4.3).
func (tl *TransferList) Pause(t *transfer.Transfer, enable bool) {
	if enable {
		t.DestroySlot()
		t.Backoff.ArmDefault()
		t.State = transfer.StatePaused
		return
	}
	t.State = transfer.StateQueued
	tl.demoteLastActiveAbove(t.Direction, t)
}

// IsReady reports whether t is eligible for dispatch: (state ∈ {QUEUED,
// RETRYING}) ∧ backoff due, where an unarmed backoff counts as due
// (spec.md §4.3).
func (tl *TransferList) IsReady(t *transfer.Transfer, now time.Time) bool {
	if t.State != transfer.StateQueued && t.State != transfer.StateRetrying {
		return false
	}
	return t.Backoff.Due(now)
}

// reapCancelled removes cancelled files from each transfer in seq first; a
// transfer left with no files is destroyed (state CANCELLED).
func reapCancelled(seq []*transfer.Transfer) []*transfer.Transfer {
	kept := seq[:0]
	for _, t := range seq {
		remaining := t.Files[:0]
		for _, f := range t.Files {
			if f.IsCancelled() {
				f.Terminated(xfererr.New(xfererr.EINCOMPLETE))
				continue
			}
			remaining = append(remaining, f)
		}
		t.Files = remaining
		if len(t.Files) == 0 {
			t.State = transfer.StateCancelled
			t.DestroySlot()
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

func sizeClassOf(t *transfer.Transfer) SizeClass {
	if t.Size > LargeFileThreshold {
		return LargeFile
	}
	return SmallFile
}

// NextTransfers iterates both directions in {PUT, GET} order and returns up
// to six buckets indexed by (direction, size-class), per spec.md §4.3.
func (tl *TransferList) NextTransfers(now time.Time, continueFn ContinueFunc, directionContinueFn DirectionContinueFunc) []Bucket {
	order := []transfer.Direction{transfer.PUT, transfer.GET}
	var out []Bucket

	for _, dir := range order {
		if directionContinueFn != nil && !directionContinueFn(dir) {
			continue
		}
		tl.seqs[dir] = reapCancelled(tl.seqs[dir])

		byClass := map[SizeClass]*Bucket{}
		counts := map[SizeClass]int{}
		for _, t := range tl.seqs[dir] {
			if t.Slot != nil {
				continue
			}
			if !tl.IsReady(t, now) {
				continue
			}
			sc := sizeClassOf(t)
			if continueFn != nil && !continueFn(dir, sc, counts[sc]) {
				continue
			}
			b, ok := byClass[sc]
			if !ok {
				b = &Bucket{Key: BucketKey{Direction: dir, SizeClass: sc}}
				byClass[sc] = b
			}
			b.Transfers = append(b.Transfers, t)
			counts[sc]++
		}
		for _, sc := range []SizeClass{SmallFile, LargeFile} {
			if b, ok := byClass[sc]; ok {
				out = append(out, *b)
			}
		}
	}
	return out
}
