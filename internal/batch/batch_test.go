package batch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tanq16/xfercore/internal/transfer"
	"github.com/tanq16/xfercore/internal/transferlist"
)

func writeBatchFile(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "batch.yaml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("writeBatchFile: %v", err)
	}
	return p
}

func TestReadFileParsesEntries(t *testing.T) {
	dir := t.TempDir()
	p := writeBatchFile(t, dir, `
- direction: get
  localpath: /tmp/a.bin
  url: https://example.com/a.bin
  size: 1024
- direction: put
  localpath: /tmp/b.bin
  target: https://example.com/b.bin
  size: 2048
`)
	entries, err := ReadFile(p)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Direction != "get" || entries[0].URL != "https://example.com/a.bin" {
		t.Fatalf("unexpected entry 0: %+v", entries[0])
	}
	if entries[1].Direction != "put" || entries[1].Size != 2048 {
		t.Fatalf("unexpected entry 1: %+v", entries[1])
	}
}

func TestReadFileRejectsMissingURL(t *testing.T) {
	dir := t.TempDir()
	p := writeBatchFile(t, dir, `
- direction: get
  localpath: /tmp/a.bin
`)
	if _, err := ReadFile(p); err == nil {
		t.Fatal("expected error for entry missing url")
	}
}

func TestReadFileRejectsMissingLocalPath(t *testing.T) {
	dir := t.TempDir()
	p := writeBatchFile(t, dir, `
- direction: get
  url: https://example.com/a.bin
`)
	if _, err := ReadFile(p); err == nil {
		t.Fatal("expected error for entry missing localpath")
	}
}

func TestApplyAppendsGetAndPutTransfers(t *testing.T) {
	entries := []Entry{
		{Direction: "get", LocalPath: "/tmp/a.bin", URL: "https://example.com/a.bin", Size: 100},
		{Direction: "put", LocalPath: "/tmp/b.bin", TargetPath: "https://example.com/b.bin", Size: 200},
	}
	tl := transferlist.New()
	out, err := Apply(tl, entries)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(out))
	}
	if out[0].Direction != transfer.GET {
		t.Fatalf("expected GET direction for entry 0, got %v", out[0].Direction)
	}
	if out[1].Direction != transfer.PUT {
		t.Fatalf("expected PUT direction for entry 1, got %v", out[1].Direction)
	}
	gets := tl.Sequence(transfer.GET)
	puts := tl.Sequence(transfer.PUT)
	if len(gets) != 1 || len(puts) != 1 {
		t.Fatalf("expected 1 GET and 1 PUT queued, got %d gets, %d puts", len(gets), len(puts))
	}
}
