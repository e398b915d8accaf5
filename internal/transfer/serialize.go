package transfer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/tanq16/xfercore/internal/chunkmacs"
)

const version uint8 = 1

const (
	flagDownloadFileHandle    = 1 << 0
	flagDiscardedTempUrlsSize = 1 << 1
	flagPortableLocalPath     = 1 << 2
)

var (
	ErrUnknownDirection = errors.New("transfer: unknown direction tag")
	ErrTruncated        = errors.New("transfer: truncated record")
	ErrBadURLCount      = errors.New("transfer: temp url count not in {0,1,6}")
	ErrLegacyUltoken    = errors.New("transfer: legacy ultoken form rejected")
)

func encodeLocalPath(path string, portable bool) []byte {
	if portable {
		return []byte(filepath.ToSlash(path))
	}
	return []byte(path)
}

func decodeLocalPath(b []byte, portable bool) string {
	s := string(b)
	if portable {
		return filepath.FromSlash(s)
	}
	return s
}

// Serialize encodes the transfer using the stable little-endian layout in
// spec.md §4.1. Round-trip via Deserialize is required for compatibility
// with existing persisted records.
func (t *Transfer) Serialize() []byte {
	buf := &bytes.Buffer{}

	// 1. direction tag
	buf.WriteByte(byte(t.Direction))

	// 2. length-prefixed serialized local path (16-bit length)
	lp := encodeLocalPath(t.LocalFilename, t.PortableLocalPath)
	binary.Write(buf, binary.LittleEndian, uint16(len(lp)))
	buf.Write(lp)

	// 3. 32-byte file key
	buf.Write(t.FileKey[:])

	// 4. 8-byte ctriv, 8-byte metamac, 16-byte transfer key
	binary.Write(buf, binary.LittleEndian, t.CTRIV)
	binary.Write(buf, binary.LittleEndian, t.MetaMAC)
	buf.Write(t.TransferKey[:])

	// 5. serialized chunk-MAC map
	cm := t.ChunkMacs
	if cm == nil {
		cm = chunkmacs.New()
	}
	buf.Write(cm.Serialize())

	// 6. serialized fingerprint, serialized badfp
	writeFingerprint(buf, t.Fingerprint)
	writeFingerprint(buf, t.BadFP)

	// 7. 8-byte lastaccesstime
	binary.Write(buf, binary.LittleEndian, uint64(t.LastAccessTime.Unix()))

	// 8. 1-byte hasUltoken flag; flag==2 -> 36 bytes of token
	if t.HasUltoken {
		buf.WriteByte(2)
		buf.Write(t.Ultoken[:])
	} else {
		buf.WriteByte(0)
	}

	// 9. length-prefixed combined URL blob
	urlBlob := []byte(strings.Join(t.TempURLs, "\x00"))
	binary.Write(buf, binary.LittleEndian, uint32(len(urlBlob)))
	buf.Write(urlBlob)

	// 10. 1-byte state — only PAUSED survives a restart
	persistedState := StateNone
	if t.State == StatePaused {
		persistedState = StatePaused
	}
	buf.WriteByte(byte(persistedState))

	// 11. 8-byte priority
	binary.Write(buf, binary.LittleEndian, t.Priority)

	// 12. 1-byte version
	buf.WriteByte(version)

	// 13. 8 expansion-flag bits
	var flags byte
	if t.HasDownloadFileHandle {
		flags |= flagDownloadFileHandle
	}
	if t.DiscardedTempUrlsSize > 0 {
		flags |= flagDiscardedTempUrlsSize
	}
	if t.PortableLocalPath {
		flags |= flagPortableLocalPath
	}
	buf.WriteByte(flags)

	// 14. optional node handle, optional discarded-URL count
	if flags&flagDownloadFileHandle != 0 {
		binary.Write(buf, binary.LittleEndian, t.DownloadFileHandle)
	}
	if flags&flagDiscardedTempUrlsSize != 0 {
		buf.WriteByte(byte(t.DiscardedTempUrlsSize))
	}

	return buf.Bytes()
}

func writeFingerprint(buf *bytes.Buffer, fp Fingerprint) {
	binary.Write(buf, binary.LittleEndian, uint64(fp.Size))
	binary.Write(buf, binary.LittleEndian, uint64(fp.Mtime.Unix()))
	binary.Write(buf, binary.LittleEndian, fp.Checksum)
}

func readFingerprint(r *bytes.Reader) (Fingerprint, error) {
	var size, mtime uint64
	var checksum uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return Fingerprint{}, ErrTruncated
	}
	if err := binary.Read(r, binary.LittleEndian, &mtime); err != nil {
		return Fingerprint{}, ErrTruncated
	}
	if err := binary.Read(r, binary.LittleEndian, &checksum); err != nil {
		return Fingerprint{}, ErrTruncated
	}
	return Fingerprint{Size: int64(size), Mtime: time.Unix(int64(mtime), 0).UTC(), Checksum: checksum}, nil
}

// Deserialize decodes a record produced by Serialize. It fails cleanly on
// an unknown direction, truncated fields, or an invalid temp-URL count.
func Deserialize(data []byte) (*Transfer, error) {
	r := bytes.NewReader(data)
	t := &Transfer{}

	dirByte, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	switch Direction(dirByte) {
	case GET, PUT:
		t.Direction = Direction(dirByte)
	default:
		return nil, ErrUnknownDirection
	}

	var pathLen uint16
	if err := binary.Read(r, binary.LittleEndian, &pathLen); err != nil {
		return nil, ErrTruncated
	}
	pathBytes := make([]byte, pathLen)
	if _, err := readFull(r, pathBytes); err != nil {
		return nil, ErrTruncated
	}

	if _, err := readFull(r, t.FileKey[:]); err != nil {
		return nil, ErrTruncated
	}

	if err := binary.Read(r, binary.LittleEndian, &t.CTRIV); err != nil {
		return nil, ErrTruncated
	}
	if err := binary.Read(r, binary.LittleEndian, &t.MetaMAC); err != nil {
		return nil, ErrTruncated
	}
	if _, err := readFull(r, t.TransferKey[:]); err != nil {
		return nil, ErrTruncated
	}

	remaining := make([]byte, r.Len())
	if _, err := readFull(r, remaining); err != nil {
		return nil, ErrTruncated
	}
	cm, consumed, err := chunkmacs.Deserialize(remaining)
	if err != nil {
		return nil, err
	}
	t.ChunkMacs = cm
	r = bytes.NewReader(remaining[consumed:])

	if t.Fingerprint, err = readFingerprint(r); err != nil {
		return nil, err
	}
	if t.BadFP, err = readFingerprint(r); err != nil {
		return nil, err
	}

	var lastAccess uint64
	if err := binary.Read(r, binary.LittleEndian, &lastAccess); err != nil {
		return nil, ErrTruncated
	}
	t.LastAccessTime = time.Unix(int64(lastAccess), 0).UTC()

	ultokenFlag, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	switch ultokenFlag {
	case 0:
		t.HasUltoken = false
	case 1:
		return nil, ErrLegacyUltoken
	case 2:
		t.HasUltoken = true
		if _, err := readFull(r, t.Ultoken[:]); err != nil {
			return nil, ErrTruncated
		}
	default:
		return nil, ErrTruncated
	}

	var urlBlobLen uint32
	if err := binary.Read(r, binary.LittleEndian, &urlBlobLen); err != nil {
		return nil, ErrTruncated
	}
	urlBlob := make([]byte, urlBlobLen)
	if _, err := readFull(r, urlBlob); err != nil {
		return nil, ErrTruncated
	}
	if urlBlobLen == 0 {
		t.TempURLs = nil
	} else {
		t.TempURLs = strings.Split(string(urlBlob), "\x00")
	}
	if len(t.TempURLs) != 0 && len(t.TempURLs) != 1 && len(t.TempURLs) != 6 {
		return nil, ErrBadURLCount
	}

	stateByte, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	if State(stateByte) == StatePaused {
		t.State = StatePaused
	} else {
		t.State = StateNone
	}

	if err := binary.Read(r, binary.LittleEndian, &t.Priority); err != nil {
		return nil, ErrTruncated
	}

	if _, err := r.ReadByte(); err != nil { // version; its value is not checked
		return nil, ErrTruncated
	}

	flags, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	t.PortableLocalPath = flags&flagPortableLocalPath != 0
	t.LocalFilename = decodeLocalPath(pathBytes, t.PortableLocalPath)

	if flags&flagDownloadFileHandle != 0 {
		t.HasDownloadFileHandle = true
		if err := binary.Read(r, binary.LittleEndian, &t.DownloadFileHandle); err != nil {
			return nil, ErrTruncated
		}
	}
	if flags&flagDiscardedTempUrlsSize != 0 {
		b, err := r.ReadByte()
		if err != nil {
			return nil, ErrTruncated
		}
		t.DiscardedTempUrlsSize = int(b)
	}

	return t, nil
}

func readFull(r *bytes.Reader, dst []byte) (int, error) {
	n, err := r.Read(dst)
	if err != nil {
		return n, err
	}
	if n < len(dst) {
		return n, ErrTruncated
	}
	return n, nil
}
