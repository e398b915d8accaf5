package fileset

import (
	"errors"
	"testing"
)

func TestPlainFileNeverDefers(t *testing.T) {
	f := NewPlainFile(Download, "a.bin", "/dst/a.bin", RenameWithBracketedNumber)
	if f.Failed(errors.New("boom")) {
		t.Fatal("PlainFile.Failed should always return false")
	}
	if f.Kind().IsSync() {
		t.Fatal("Download should not be a sync kind")
	}
}

func TestSyncFileAlwaysDefers(t *testing.T) {
	f := NewSyncFile(SyncDownload, "a.bin", "/dst/a.bin")
	if !f.Failed(errors.New("boom")) {
		t.Fatal("SyncFile.Failed should always return true")
	}
	if !f.Kind().IsSync() {
		t.Fatal("SyncDownload should be a sync kind")
	}
}

func TestCancelIsIdempotentAndClosesToken(t *testing.T) {
	f := NewPlainFile(Upload, "a.bin", "s3://bucket/a.bin", OverwriteTarget)
	if f.IsCancelled() {
		t.Fatal("new file should not be cancelled")
	}
	f.Cancel()
	f.Cancel() // must not panic on double-close
	if !f.IsCancelled() {
		t.Fatal("expected IsCancelled true after Cancel")
	}
	select {
	case <-f.CancelToken():
	default:
		t.Fatal("cancel token channel should be closed")
	}
}
