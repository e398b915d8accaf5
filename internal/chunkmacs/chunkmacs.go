// Package chunkmacs implements the per-transfer map of chunk offsets to MAC
// fragments (spec.md §3 "chunkmacs", §4.1 serialization item 5).
//
// The chunk-boundary convention itself is not part of the retrieved MEGA SDK
// source (only transfer.cpp was in the pack, not the chunkmac
// implementation), so this package documents and uses a stable convention
// of its own: fixed ChunkSize byte chunks, with the final chunk truncated
// to whatever remains of the file. That convention is recorded as a
// resolved Open Question in DESIGN.md. calcprogress is a pure function of
// the recorded entries, matching the invariant in spec.md §3.
package chunkmacs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
)

// ChunkSize is the fixed chunk boundary used by this implementation.
const ChunkSize int64 = 128 * 1024

// MAC is an 8-byte authentication fragment for one chunk.
type MAC [8]byte

// Entry records one chunk's MAC and whether the chunk has finished writing.
type Entry struct {
	Offset   int64
	MAC      MAC
	Finished bool
}

// ChunkMacs is an ordered map from chunk start offset to {MAC, finished}.
// Entries are kept sorted ascending by Offset, matching "ordered map" in
// spec.md §3.
type ChunkMacs struct {
	entries []Entry
}

// New returns an empty chunk-MAC map.
func New() *ChunkMacs {
	return &ChunkMacs{}
}

// ChunkStart returns the start offset of the chunk containing pos, using
// this package's fixed-size convention.
func ChunkStart(pos int64) int64 {
	return (pos / ChunkSize) * ChunkSize
}

// ChunkEnd returns the exclusive end offset of the chunk starting at start,
// clamped to size.
func ChunkEnd(start, size int64) int64 {
	end := start + ChunkSize
	if end > size {
		end = size
	}
	return end
}

func (c *ChunkMacs) find(offset int64) int {
	return sort.Search(len(c.entries), func(i int) bool { return c.entries[i].Offset >= offset })
}

// Set records or updates the MAC and finished flag for the chunk starting
// at offset.
func (c *ChunkMacs) Set(offset int64, mac MAC, finished bool) {
	i := c.find(offset)
	if i < len(c.entries) && c.entries[i].Offset == offset {
		c.entries[i].MAC = mac
		c.entries[i].Finished = finished
		return
	}
	c.entries = append(c.entries, Entry{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = Entry{Offset: offset, MAC: mac, Finished: finished}
}

// Get returns the entry for offset, if present.
func (c *ChunkMacs) Get(offset int64) (Entry, bool) {
	i := c.find(offset)
	if i < len(c.entries) && c.entries[i].Offset == offset {
		return c.entries[i], true
	}
	return Entry{}, false
}

// Entries returns the recorded chunks in ascending offset order.
func (c *ChunkMacs) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// CalcProgress derives (pos, progresscompleted) from the recorded chunks,
// per the invariant chunkmacs.calcprogress(size) = (pos, progresscompleted)
// in spec.md §3.
//
// pos is the offset up to which chunks are contiguously finished starting
// at zero (the resume point); progresscompleted is the total number of
// bytes covered by any finished chunk, whether or not contiguous (parallel
// chunk workers can finish out of order).
func (c *ChunkMacs) CalcProgress(size int64) (pos int64, progresscompleted int64) {
	finishedByOffset := make(map[int64]bool, len(c.entries))
	for _, e := range c.entries {
		finishedByOffset[e.Offset] = e.Finished
	}
	pos = 0
	for {
		fin, ok := finishedByOffset[pos]
		if !ok || !fin {
			break
		}
		pos = ChunkEnd(pos, size)
		if pos >= size {
			break
		}
	}
	for _, e := range c.entries {
		if e.Finished {
			progresscompleted += ChunkEnd(e.Offset, size) - e.Offset
		}
	}
	if progresscompleted > size {
		progresscompleted = size
	}
	return pos, progresscompleted
}

// Serialize encodes the chunk map as a count-prefixed sequence of
// (offset uint64, mac [8]byte, finished uint8) records, little-endian,
// matching the "serialized chunk-MAC map" field in spec.md §4.1 item 5.
func (c *ChunkMacs) Serialize() []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, uint32(len(c.entries)))
	for _, e := range c.entries {
		binary.Write(buf, binary.LittleEndian, uint64(e.Offset))
		buf.Write(e.MAC[:])
		fin := byte(0)
		if e.Finished {
			fin = 1
		}
		buf.WriteByte(fin)
	}
	return buf.Bytes()
}

// Deserialize decodes bytes previously produced by Serialize, returning the
// number of bytes consumed.
func Deserialize(data []byte) (*ChunkMacs, int, error) {
	if len(data) < 4 {
		return nil, 0, errors.New("chunkmacs: truncated count")
	}
	count := binary.LittleEndian.Uint32(data)
	off := 4
	cm := New()
	const recSize = 8 + 8 + 1
	for i := uint32(0); i < count; i++ {
		if off+recSize > len(data) {
			return nil, 0, errors.New("chunkmacs: truncated record")
		}
		offset := int64(binary.LittleEndian.Uint64(data[off:]))
		off += 8
		var mac MAC
		copy(mac[:], data[off:off+8])
		off += 8
		finished := data[off] != 0
		off++
		cm.entries = append(cm.entries, Entry{Offset: offset, MAC: mac, Finished: finished})
	}
	return cm, off, nil
}
