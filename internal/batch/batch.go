// Package batch implements a YAML batch transfer-queue import, analogous
// to the teacher's ReadDownloadList/DownloadEntry (utils/functions.go,
// internal/utils/vars.go): a convenience surface over TransferList.Append,
// not a new core invariant.
package batch

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tanq16/xfercore/internal/fileset"
	"github.com/tanq16/xfercore/internal/transfer"
	"github.com/tanq16/xfercore/internal/transferlist"
)

// Entry is one line of a batch import file.
type Entry struct {
	Direction  string `yaml:"direction"` // "get" or "put"
	LocalPath  string `yaml:"localpath"`
	TargetPath string `yaml:"target"`
	URL        string `yaml:"url"`
	Priority   *int   `yaml:"priority,omitempty"`
	Size       int64  `yaml:"size"`
}

// ReadFile parses a batch import file, mirroring ReadDownloadList's
// read-then-validate shape.
func ReadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("batch: reading %s: %w", path, err)
	}
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("batch: parsing %s: %w", path, err)
	}
	for i, e := range entries {
		if e.URL == "" {
			return nil, fmt.Errorf("batch: entry %d missing url", i+1)
		}
		if e.LocalPath == "" {
			return nil, fmt.Errorf("batch: entry %d missing localpath", i+1)
		}
	}
	return entries, nil
}

// Apply appends every entry to tl as a queued transfer with a single
// non-sync Download/Upload File target, using startFirst=false for all of
// them (append at tail, per spec.md §4.3 default Append behavior).
func Apply(tl *transferlist.TransferList, entries []Entry) ([]*transfer.Transfer, error) {
	out := make([]*transfer.Transfer, 0, len(entries))
	for _, e := range entries {
		dir := transfer.GET
		kind := fileset.Download
		if e.Direction == "put" {
			dir = transfer.PUT
			kind = fileset.Upload
		}
		f := fileset.NewPlainFile(kind, e.LocalPath, e.TargetPath, fileset.RenameWithBracketedNumber)
		t := transfer.New(dir, e.LocalPath, transfer.Fingerprint{Size: e.Size}, e.Size, f)
		tl.Append(t, false)
		out = append(out, t)
	}
	return out, nil
}
