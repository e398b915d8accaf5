package engine

import (
	"testing"
	"time"

	"github.com/tanq16/xfercore/internal/fileset"
	"github.com/tanq16/xfercore/internal/transfer"
	"github.com/tanq16/xfercore/internal/xferio"
)

func newTestTransfer(dir transfer.Direction, name string, size int64) *transfer.Transfer {
	kind := fileset.Download
	if dir == transfer.PUT {
		kind = fileset.Upload
	}
	f := fileset.NewPlainFile(kind, name, "/dst/"+name, fileset.RenameWithBracketedNumber)
	return transfer.New(dir, name, transfer.Fingerprint{Size: size}, size, f)
}

func TestDispatchNextRespectsSmallConcurrencyCap(t *testing.T) {
	e := New(Config{MaxLargeConcurrent: 4, MaxSmallConcurrent: 1}, func(idx int) xferio.RangedRequest { return nil })
	e.Transfers.Append(newTestTransfer(transfer.GET, "a.bin", 100), false)
	e.Transfers.Append(newTestTransfer(transfer.GET, "b.bin", 200), false)

	activated := e.DispatchNext(time.Now())
	if len(activated) != 1 {
		t.Fatalf("expected 1 activated small transfer under cap 1, got %d", len(activated))
	}
	if e.activeSmall != 1 {
		t.Fatalf("activeSmall = %d, want 1", e.activeSmall)
	}
}

func TestDispatchNextSeparatesSizeClasses(t *testing.T) {
	e := New(Config{MaxLargeConcurrent: 2, MaxSmallConcurrent: 2}, func(idx int) xferio.RangedRequest { return nil })
	e.Transfers.Append(newTestTransfer(transfer.GET, "small.bin", 10), false)
	e.Transfers.Append(newTestTransfer(transfer.GET, "large.bin", 1<<20), false)

	activated := e.DispatchNext(time.Now())
	if len(activated) != 2 {
		t.Fatalf("expected both transfers activated, got %d", len(activated))
	}
	if e.activeSmall != 1 || e.activeLarge != 1 {
		t.Fatalf("activeSmall=%d activeLarge=%d, want 1 and 1", e.activeSmall, e.activeLarge)
	}
}

func TestOverquotaModeBlocksDirection(t *testing.T) {
	e := New(Config{MaxLargeConcurrent: 4, MaxSmallConcurrent: 4}, func(idx int) xferio.RangedRequest { return nil })
	e.Transfers.Append(newTestTransfer(transfer.GET, "a.bin", 100), false)
	e.ActivateOverquotaMode()

	if !e.OverquotaMode() {
		t.Fatal("expected OverquotaMode true after ActivateOverquotaMode")
	}
	activated := e.DispatchNext(time.Now())
	if len(activated) != 0 {
		t.Fatalf("expected no dispatch while overquota, got %d", len(activated))
	}

	e.ClearOverquotaMode()
	activated = e.DispatchNext(time.Now())
	if len(activated) != 1 {
		t.Fatalf("expected dispatch to resume after clearing overquota, got %d", len(activated))
	}
}

func TestUrlsExpiredDefaultsTrueUntilSet(t *testing.T) {
	e := New(Config{}, func(idx int) xferio.RangedRequest { return nil })
	now := time.Now()
	if !e.UrlsExpired(now) {
		t.Fatal("expected UrlsExpired true before any SetUrlExpiry call")
	}
	e.SetUrlExpiry(now.Add(time.Hour))
	if e.UrlsExpired(now) {
		t.Fatal("expected UrlsExpired false when now is before the expiry timestamp")
	}
	if !e.UrlsExpired(now.Add(2 * time.Hour)) {
		t.Fatal("expected UrlsExpired true once now passes the expiry timestamp")
	}
}

func TestDisableSyncsSetsFlag(t *testing.T) {
	e := New(Config{}, func(idx int) xferio.RangedRequest { return nil })
	if e.SyncsDisabled() {
		t.Fatal("expected SyncsDisabled false initially")
	}
	e.DisableSyncs()
	if !e.SyncsDisabled() {
		t.Fatal("expected SyncsDisabled true after DisableSyncs")
	}
}
