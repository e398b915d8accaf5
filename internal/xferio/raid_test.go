package xferio

import (
	"bytes"
	"testing"
)

func drainAll(t *testing.T, b *SixWayRaidBuffer) []byte {
	t.Helper()
	var out []byte
	for {
		piece, _, ok := b.GetAsyncOutputBufferPointer()
		if !ok {
			return out
		}
		out = append(out, piece...)
		b.BufferWriteCompleted(true)
	}
}

func TestRaidRoundTripAllSixPresent(t *testing.T) {
	data := make([]byte, 3*raidRow+37)
	for i := range data {
		data[i] = byte(i)
	}
	streams := encodeRaidStreams(data)

	b := NewSixWayRaidBuffer()
	var urls [RaidParts]string
	for i := range urls {
		urls[i] = "conn"
	}
	b.SetIsRaid(urls, 0, int64(len(data)), int64(len(data)), 1<<20, false)
	for i := 0; i < RaidParts; i++ {
		b.SubmitBuffer(i, streams[i])
	}

	got := drainAll(t, b)
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestRaidReconstructsMissingDataConnectionFromParity(t *testing.T) {
	data := make([]byte, 4*raidRow+5)
	for i := range data {
		data[i] = byte(i * 3)
	}
	streams := encodeRaidStreams(data)

	b := NewSixWayRaidBuffer()
	var urls [RaidParts]string
	for i := range urls {
		urls[i] = "conn"
	}
	const missing = 2
	b.SetIsRaid(urls, 0, int64(len(data)), int64(len(data)), 1<<20, false)
	b.SetUnusedRaidConnection(missing)
	for i := 0; i < RaidParts; i++ {
		if i == missing {
			continue
		}
		b.SubmitBuffer(i, streams[i])
	}

	got := drainAll(t, b)
	if !bytes.Equal(got, data) {
		t.Fatalf("reconstructed mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestRaidPartialRangeTrimsToRequestedWindow(t *testing.T) {
	data := make([]byte, 4*raidRow)
	for i := range data {
		data[i] = byte(i)
	}
	streams := encodeRaidStreams(data)

	from, to := int64(raidRow+5), int64(3*raidRow-3)
	b := NewSixWayRaidBuffer()
	var urls [RaidParts]string
	b.SetIsRaid(urls, from, to, int64(len(data)), 1<<20, false)
	// 4 full rows, each contributing RaidSector bytes per connection; rows
	// touched by [from,to) are rows 1 and 2, so submit only that slice.
	for i := 0; i < RaidParts; i++ {
		b.SubmitBuffer(i, streams[i][1*RaidSector:3*RaidSector])
	}

	got := drainAll(t, b)
	want := data[from:to]
	if !bytes.Equal(got, want) {
		t.Fatalf("partial-range mismatch: got %d bytes, want %d bytes", len(got), len(want))
	}
}

func encodeRaidStreams(data []byte) (streams [RaidParts][]byte) {
	size := int64(len(data))
	rows := (size + raidRow - 1) / raidRow
	if rows == 0 {
		return
	}
	for row := int64(0); row < rows; row++ {
		rowLen := rowContentLen(row, 0, size)
		var sectors [EffectiveRaidParts][RaidSector]byte
		for d := 0; d < EffectiveRaidParts; d++ {
			sl := sectorLen(rowLen, d)
			if sl == 0 {
				continue
			}
			start := row*raidRow + int64(d*RaidSector)
			copy(sectors[d][:sl], data[start:start+sl])
			streams[d] = append(streams[d], data[start:start+sl]...)
		}
		var parity [RaidSector]byte
		for d := 0; d < EffectiveRaidParts; d++ {
			for j := 0; j < RaidSector; j++ {
				parity[j] ^= sectors[d][j]
			}
		}
		streams[RaidParts-1] = append(streams[RaidParts-1], parity[:]...)
	}
	return
}
