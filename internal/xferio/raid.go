package xferio

import (
	"sync"
)

// Six-way RAID configuration constants (spec.md §4.5).
const (
	EffectiveRaidParts = 5
	RaidParts          = 6
	RaidSector         = 16
	raidRow            = EffectiveRaidParts * RaidSector // 80 bytes of file content per row
)

// RaidBufferManager is the consumed capability described in spec.md §6.
// The core treats it as opaque; this package supplies the one concrete
// implementation the slot drives by default.
type RaidBufferManager interface {
	SetIsRaid(urls [RaidParts]string, from, to, size, maxReq int64, isResume bool)
	UpdateUrlsAndResetPos(urls [RaidParts]string)
	IsRaid() bool
	TempURL(i int) string
	TransferSize(i int) int64
	TransferPos(i int) int64
	ResetPart(i int)
	GetUnusedRaidConnection() int
	SetUnusedRaidConnection(i int)
	SubmitBuffer(i int, piece []byte)
	GetAsyncOutputBufferPointer() ([]byte, int64, bool)
	BufferWriteCompleted(ok bool)
	NextNPosForConnection(i int, maxChunk int64) (from, to int64, pauseForRaid bool)
}

type raidPart struct {
	buf      []byte // bytes received but not yet consumed into a row
	fetchRow int64  // next row index this connection should fetch (relative to rowStart)
	url      string
}

// SixWayRaidBuffer is a real 5-of-6 XOR RAID buffer manager: file content is
// striped in RaidSector-byte sectors across five data connections
// (round-robin within each raidRow-byte row); the sixth connection carries
// the XOR parity of the row. Losing any one connection — data or parity —
// still allows every row to be reconstructed, matching the GLOSSARY
// definition of RAID in spec.md.
type SixWayRaidBuffer struct {
	mu sync.Mutex

	isRaidMode bool
	unusedIdx  int
	size       int64 // total file size
	maxReq     int64

	fileFrom, fileTo int64 // requested output range [fileFrom, fileTo)
	rowStart         int64 // absolute row index of the first row touched
	totalRows        int64 // number of rows spanning the request
	trimHead         int64 // bytes to discard from the first assembled row

	parts [RaidParts]raidPart

	outputRow int64 // next absolute row (relative index) to assemble
	outBuf    []byte
	outStart  int64 // file offset of outBuf[0]
	delivered int64

	// non-RAID (single-connection) state, used when isRaidMode is false.
	singleFrom, singleTo int64
	singleReqPos         int64 // next byte offset to request
	singlePos            int64 // next byte offset delivered to the caller
}

func NewSixWayRaidBuffer() *SixWayRaidBuffer {
	return &SixWayRaidBuffer{unusedIdx: RaidParts - 1}
}

func rowContentLen(rowIdx, rowStart, size int64) int64 {
	rowFileStart := (rowStart + rowIdx) * raidRow
	if rowFileStart >= size {
		return 0
	}
	remain := size - rowFileStart
	if remain > raidRow {
		return raidRow
	}
	return remain
}

func sectorLen(rowContentLen int64, dataIdx int) int64 {
	sectorStart := int64(dataIdx * RaidSector)
	if sectorStart >= rowContentLen {
		return 0
	}
	remain := rowContentLen - sectorStart
	if remain > RaidSector {
		return RaidSector
	}
	return remain
}

func (b *SixWayRaidBuffer) SetIsRaid(urls [RaidParts]string, from, to, size, maxReq int64, isResume bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isRaidMode = true
	b.size = size
	b.maxReq = maxReq
	b.fileFrom, b.fileTo = from, to
	b.rowStart = from / raidRow
	b.trimHead = from - b.rowStart*raidRow
	lastRow := (to + raidRow - 1) / raidRow
	b.totalRows = lastRow - b.rowStart
	b.outputRow = 0
	b.outStart = b.rowStart * raidRow
	b.outBuf = b.outBuf[:0]
	b.delivered = 0
	for i := 0; i < RaidParts; i++ {
		b.parts[i] = raidPart{url: urls[i]}
	}
	if !isResume {
		b.unusedIdx = RaidParts - 1
	}
}

// SetSingle configures the buffer for a plain, non-RAID direct read over a
// single connection (spec.md §6, tempurls.size()==1): connection 0 fetches
// [from,to) directly in file coordinates and delivery is a pass-through,
// since there is no striping or parity to assemble.
func (b *SixWayRaidBuffer) SetSingle(url string, from, to, size, maxReq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isRaidMode = false
	b.size = size
	b.maxReq = maxReq
	b.fileFrom, b.fileTo = from, to
	b.singleFrom, b.singleTo = from, to
	b.singleReqPos = from
	b.singlePos = from
	b.parts[0] = raidPart{url: url}
	b.unusedIdx = -1
}

func (b *SixWayRaidBuffer) UpdateUrlsAndResetPos(urls [RaidParts]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < RaidParts; i++ {
		b.parts[i].url = urls[i]
		b.parts[i].buf = b.parts[i].buf[:0]
		b.parts[i].fetchRow = b.outputRow
	}
}

func (b *SixWayRaidBuffer) IsRaid() bool { return b.isRaidMode }

func (b *SixWayRaidBuffer) TempURL(i int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parts[i].url
}

func (b *SixWayRaidBuffer) TransferSize(i int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isRaidMode {
		return b.singleTo - b.singleFrom
	}
	return b.totalRows * RaidSector
}

func (b *SixWayRaidBuffer) TransferPos(i int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isRaidMode {
		return b.singleReqPos - b.singleFrom
	}
	return b.parts[i].fetchRow * RaidSector
}

func (b *SixWayRaidBuffer) ResetPart(i int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isRaidMode {
		b.parts[0].buf = b.parts[0].buf[:0]
		b.singleReqPos = b.singlePos
		return
	}
	b.parts[i].buf = b.parts[i].buf[:0]
	b.parts[i].fetchRow = b.outputRow
}

func (b *SixWayRaidBuffer) GetUnusedRaidConnection() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unusedIdx
}

func (b *SixWayRaidBuffer) SetUnusedRaidConnection(i int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unusedIdx = i
}

// SubmitBuffer appends bytes received on connection i, in order, to that
// connection's pending sector buffer.
func (b *SixWayRaidBuffer) SubmitBuffer(i int, piece []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parts[i].buf = append(b.parts[i].buf, piece...)
}

// NextNPosForConnection returns the next [from,to) range, in connection i's
// own linear part-stream coordinates, that connection should fetch. The
// unused connection is paused; a connection past totalRows is DONE (empty
// range, pauseForRaid=false).
func (b *SixWayRaidBuffer) NextNPosForConnection(i int, maxChunk int64) (from, to int64, pauseForRaid bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isRaidMode {
		if b.singleReqPos >= b.singleTo {
			return 0, 0, false
		}
		from = b.singleReqPos
		to = from + maxChunk
		if to > b.singleTo {
			to = b.singleTo
		}
		b.singleReqPos = to
		return from, to, false
	}
	if i == b.unusedIdx {
		return 0, 0, true
	}
	p := &b.parts[i]
	if p.fetchRow >= b.totalRows {
		return 0, 0, false
	}
	from = p.fetchRow * RaidSector
	rows := maxChunk / RaidSector
	if rows < 1 {
		rows = 1
	}
	endRow := p.fetchRow + rows
	if endRow > b.totalRows {
		endRow = b.totalRows
	}
	to = endRow * RaidSector
	return from, to, false
}

// assembleReady advances outputRow while every row it needs (five present
// data sectors, or four plus parity reconstruction) is available, appending
// assembled file bytes to outBuf. Must be called with b.mu held.
func (b *SixWayRaidBuffer) assembleReady() {
	for b.outputRow < b.totalRows {
		rowLen := rowContentLen(b.outputRow, b.rowStart, b.size)
		if rowLen == 0 {
			b.outputRow++
			continue
		}
		sectors := make([][]byte, EffectiveRaidParts)
		have := 0
		missingData := -1
		for d := 0; d < EffectiveRaidParts; d++ {
			sl := sectorLen(rowLen, d)
			if sl == 0 {
				have++ // nothing to fetch for this sector; treat as present-empty
				sectors[d] = nil
				continue
			}
			if d == b.unusedIdx {
				missingData = d
				continue
			}
			if int64(len(b.parts[d].buf)) >= sl {
				sectors[d] = b.parts[d].buf[:sl]
				have++
			}
		}

		parityLen := int64(RaidSector)
		var parity []byte
		parityAvailable := b.unusedIdx == RaidParts-1
		if !parityAvailable && int64(len(b.parts[RaidParts-1].buf)) >= parityLen {
			parity = b.parts[RaidParts-1].buf[:parityLen]
			parityAvailable = true
		}

		if missingData < 0 {
			if have < EffectiveRaidParts {
				return // still waiting on a data sector, no reconstruction needed once it lands
			}
		} else {
			// need parity plus the other 4 data sectors to reconstruct missingData
			if have < EffectiveRaidParts-1 || !parityAvailable {
				return
			}
			sectors[missingData] = xorReconstruct(sectors, parity, missingData, int(sectorLen(rowLen, missingData)))
		}

		rowOut := make([]byte, 0, rowLen)
		for d := 0; d < EffectiveRaidParts; d++ {
			rowOut = append(rowOut, sectors[d]...)
		}
		b.outBuf = append(b.outBuf, rowOut...)

		for d := 0; d < EffectiveRaidParts; d++ {
			if d == b.unusedIdx {
				continue
			}
			sl := sectorLen(rowLen, d)
			if sl > 0 {
				b.parts[d].buf = b.parts[d].buf[sl:]
				b.parts[d].fetchRow++
			}
		}
		if b.unusedIdx != RaidParts-1 {
			b.parts[RaidParts-1].buf = b.parts[RaidParts-1].buf[RaidSector:]
			b.parts[RaidParts-1].fetchRow++
		}
		b.outputRow++
	}
}

func xorReconstruct(sectors [][]byte, parity []byte, missing int, wantLen int) []byte {
	out := make([]byte, RaidSector)
	copy(out, parity)
	for d, s := range sectors {
		if d == missing {
			continue
		}
		for i := 0; i < len(s); i++ {
			out[i] ^= s[i]
		}
	}
	return out[:wantLen]
}

// GetAsyncOutputBufferPointer returns the next assembled, ordered piece of
// output trimmed to the originally requested [fileFrom, fileTo) range, or
// ok=false if nothing is ready yet.
func (b *SixWayRaidBuffer) GetAsyncOutputBufferPointer() (piece []byte, offset int64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isRaidMode {
		if len(b.parts[0].buf) == 0 {
			return nil, 0, false
		}
		return b.parts[0].buf, b.singlePos, true
	}
	b.assembleReady()
	if len(b.outBuf) == 0 {
		return nil, 0, false
	}
	start := b.outStart
	data := b.outBuf
	if b.delivered == 0 && b.trimHead > 0 {
		if int64(len(data)) <= b.trimHead {
			return nil, 0, false
		}
		data = data[b.trimHead:]
		start += b.trimHead
	}
	fileEnd := start + int64(len(data))
	if fileEnd > b.fileTo {
		data = data[:b.fileTo-start]
	}
	if len(data) == 0 {
		return nil, 0, false
	}
	return data, start, true
}

// BufferWriteCompleted acknowledges the last piece returned by
// GetAsyncOutputBufferPointer, advancing the delivery cursor.
func (b *SixWayRaidBuffer) BufferWriteCompleted(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !ok {
		return
	}
	if !b.isRaidMode {
		b.singlePos += int64(len(b.parts[0].buf))
		b.parts[0].buf = b.parts[0].buf[:0]
		return
	}
	n := int64(len(b.outBuf))
	if b.delivered == 0 && b.trimHead > 0 {
		n -= b.trimHead
	}
	b.delivered += n
	b.outStart += int64(len(b.outBuf))
	b.outBuf = b.outBuf[:0]
}
