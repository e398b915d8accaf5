package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tanq16/xfercore/internal/backoff"
	"github.com/tanq16/xfercore/internal/fileset"
	"github.com/tanq16/xfercore/internal/transfer"
	"github.com/tanq16/xfercore/internal/transferlist"
)

// queuePath is the on-disk queue file, a length-prefixed sequence of
// Transfer.Serialize() records — the CLI-process-persistence analogue of
// keeping the in-memory TransferList alive between xferctl invocations,
// grounded on the teacher's own on-disk YAML download list (utils
// /functions.go ReadDownloadList) but using this repo's native binary
// wire format instead.
func queuePath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir = filepath.Join(dir, ".xferctl")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "queue.db"), nil
}

func loadQueue() (*transferlist.TransferList, error) {
	tl := transferlist.New()
	path, err := queuePath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return tl, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		t, err := transfer.Deserialize(buf)
		if err != nil {
			return nil, fmt.Errorf("store: corrupt queue record: %w", err)
		}
		if len(t.Files) == 0 {
			kind := fileset.Download
			if t.Direction == transfer.PUT {
				kind = fileset.Upload
			}
			t.Files = append(t.Files, fileset.NewPlainFile(kind, t.LocalFilename, t.LocalFilename, fileset.RenameWithBracketedNumber))
		}
		if t.Backoff == nil {
			t.Backoff = backoff.New(500 * time.Millisecond)
		}
		if t.Size == 0 {
			t.Size = t.Fingerprint.Size
		}
		if t.State != transfer.StatePaused {
			t.State = transfer.StateQueued
		}
		tl.Append(t, false)
	}
	return tl, nil
}

func saveQueue(tl *transferlist.TransferList) error {
	path, err := queuePath()
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, dir := range []transfer.Direction{transfer.PUT, transfer.GET} {
		for _, t := range tl.Sequence(dir) {
			data := t.Serialize()
			if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
				f.Close()
				return err
			}
			if _, err := w.Write(data); err != nil {
				f.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
