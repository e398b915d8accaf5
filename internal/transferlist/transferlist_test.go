package transferlist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tanq16/xfercore/internal/fileset"
	"github.com/tanq16/xfercore/internal/transfer"
)

func newPut(t *testing.T, name string) *transfer.Transfer {
	t.Helper()
	return transfer.New(transfer.PUT, name, transfer.Fingerprint{Size: 10}, 10,
		fileset.NewPlainFile(fileset.Upload, name, "/dst/"+name, fileset.OverwriteTarget))
}

func TestAppendAssignsIncreasingPriority(t *testing.T) {
	tl := New()
	a := newPut(t, "a")
	b := newPut(t, "b")
	tl.Append(a, false)
	tl.Append(b, false)

	require.Less(t, a.Priority, b.Priority)

	buckets := tl.NextTransfers(time.Now(), nil, nil)
	require.Len(t, buckets, 1)
	require.ElementsMatch(t, []*transfer.Transfer{a, b}, buckets[0].Transfers)
}

func TestMoveBeforeInvertsOrderAndDemotes(t *testing.T) {
	tl := New()
	head := newPut(t, "head")
	tail := newPut(t, "tail")
	tl.Append(head, false)
	tl.Append(tail, false)

	head.ActivateSlot()

	err := tl.MoveBefore(tail, head)
	require.NoError(t, err)

	seq := tl.Sequence(transfer.PUT)
	require.Equal(t, tail, seq[0])
	require.Equal(t, head, seq[1])
	require.True(t, tail.Priority < head.Priority)

	// head was active and now has lower precedence than tail -> demoted
	require.Nil(t, head.Slot)
	require.Equal(t, transfer.StateQueued, head.State)
}

func TestMoveBeforeRenumbersFromListHeadWhenNoIntegerSpace(t *testing.T) {
	tl := New()
	head := newPut(t, "head")
	mid := newPut(t, "mid")
	anchor := newPut(t, "anchor")
	mover := newPut(t, "mover")
	tl.Append(head, false)
	tl.Append(mid, false)
	tl.Append(anchor, false)
	tl.Append(mover, false)

	headOrig := head.Priority
	// Collapse mid and anchor to adjacent priorities so bisecting between
	// them leaves no integer room, forcing the renumber branch.
	mid.Priority = anchor.Priority - 1

	err := tl.MoveBefore(mover, anchor)
	require.NoError(t, err)

	// Renumbering measures from the list's head (index 0), not from
	// anchor, per spec.md's head.priority - step*(k+1).
	require.Equal(t, headOrig-3*priorityStep, head.Priority)
	require.Equal(t, headOrig-2*priorityStep, mid.Priority)

	seq := tl.Sequence(transfer.PUT)
	require.Equal(t, []*transfer.Transfer{head, mid, mover, anchor}, seq)
}

func TestPauseActiveGetRoundTrips(t *testing.T) {
	tl := New()
	g := transfer.New(transfer.GET, "movie", transfer.Fingerprint{Size: 20}, 20,
		fileset.NewPlainFile(fileset.Download, "movie", "/dst/movie", fileset.OverwriteTarget))
	tl.Append(g, false)
	g.ActivateSlot()
	priorityBefore := g.Priority

	tl.Pause(g, true)
	require.Nil(t, g.Slot)
	require.Equal(t, transfer.StatePaused, g.State)

	data := g.Serialize()
	restored, err := transfer.Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, transfer.StatePaused, restored.State)
	require.Equal(t, priorityBefore, restored.Priority)
}

func TestSequenceStaysSortedAfterMultipleMoves(t *testing.T) {
	tl := New()
	var ts []*transfer.Transfer
	for _, name := range []string{"a", "b", "c", "d"} {
		tr := newPut(t, name)
		tl.Append(tr, false)
		ts = append(ts, tr)
	}
	require.NoError(t, tl.MoveBefore(ts[3], ts[0]))
	require.NoError(t, tl.MoveBefore(ts[2], ts[1]))

	seq := tl.Sequence(transfer.PUT)
	for i := 1; i < len(seq); i++ {
		require.Less(t, seq[i-1].Priority, seq[i].Priority)
	}
	require.ElementsMatch(t, ts, seq)
}
