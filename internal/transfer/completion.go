package transfer

import (
	"time"

	"github.com/tanq16/xfercore/internal/distributor"
	"github.com/tanq16/xfercore/internal/fileset"
	"github.com/tanq16/xfercore/internal/xfererr"
)

// FingerprintFunc recomputes a fingerprint for a local file, standing in for
// the out-of-scope filesystem/crypto collaborators (spec.md §1).
type FingerprintFunc func(localPath string) (Fingerprint, error)

// NodeLookupFunc reports whether a node already exists at a target whose
// fingerprint differs from fp only in its "valid" flag (spec.md §4.2 step 4).
type NodeLookupFunc func(target fileset.File, fp Fingerprint) (matchesModuloValid bool)

// AttributeUpdateFunc issues the out-of-band node attribute update for step 7.
type AttributeUpdateFunc func(target fileset.File, fp Fingerprint) error

// CompleteDownload runs the ten-step sequence in spec.md §4.2 after the last
// byte has been written to LocalFilename.
func (t *Transfer) CompleteDownload(
	env Environment,
	recompute FingerprintFunc,
	nodeMatches NodeLookupFunc,
	updateAttr AttributeUpdateFunc,
	setMtime func(path string, mtime time.Time) error,
	dist distributor.Distributor,
	fs distributor.FS,
	remove RemoveFunc,
) error {
	// 1. Release the file handle held by the slot.
	t.DestroySlot()

	// 2. Set the file's mtime to the transfer's recorded mtime.
	if setMtime != nil {
		if err := setMtime(t.LocalFilename, t.Fingerprint.Mtime); err != nil {
			return t.deferCompletion(remove)
		}
	}

	// 3. Re-open the file and recompute its fingerprint.
	actual, err := recompute(t.LocalFilename)
	if err != nil {
		return t.deferCompletion(remove)
	}

	mismatched := !actual.Equal(t.Fingerprint)

	// 4. Existing node whose fingerprint differs only in "valid" -> accepted.
	isSync := t.hasSyncFile()
	if mismatched {
		accepted := false
		for _, f := range t.Files {
			if nodeMatches != nil && nodeMatches(f, actual) {
				accepted = true
				break
			}
		}
		if accepted {
			mismatched = false
		}
	}

	// 5. Sync + mismatch -> delete local file, fail EWRITE, record badfp.
	if mismatched && isSync {
		t.BadFP = actual
		fs.Remove(t.LocalFilename)
		env.NotifyApp(t, xfererr.New(xfererr.EWRITE))
		t.destroy(remove)
		return xfererr.New(xfererr.EWRITE)
	}

	// 6. Mismatch within 2s mtime drift -> mark fixfingerprint (server will
	// correct it, so the node's recorded fingerprint is still trustworthy);
	// beyond that drift the node fingerprint is bad and left alone.
	fixFingerprint := false
	if mismatched {
		drift := actual.Mtime.Sub(t.Fingerprint.Mtime)
		if drift < 0 {
			drift = -drift
		}
		if drift <= 2*time.Second {
			fixFingerprint = true
		}
	}
	t.FixFingerprint = fixFingerprint

	// 7. For each File target whose node fingerprint is absent/invalid,
	// issue an attribute update — skipped when the fingerprint mismatched
	// by more than the drift tolerance, since the recorded value is bad
	// rather than merely stale.
	if updateAttr != nil && (!mismatched || fixFingerprint) {
		for _, f := range t.Files {
			updateAttr(f, actual)
		}
	}

	// 8/9. Deliver to each target: non-sync via the distributor (at most
	// one rename, the rest copies), sync files handed to the sync engine
	// alongside the same distributor.
	remaining := t.Files[:0]
	for _, f := range t.Files {
		ok, transientErr, nameTooLong := dist.DistributeTo(t.LocalFilename, f.TargetPath(), fs, f.CollisionPolicy(), nil)
		if nameTooLong {
			f.Terminated(xfererr.New(xfererr.EWRITE))
			continue
		}
		if !ok && transientErr != nil {
			remaining = append(remaining, f)
			continue
		}
		if !ok {
			f.Terminated(xfererr.New(xfererr.EWRITE))
			continue
		}
		f.Completed()
	}
	t.Files = remaining

	// 10. All targets satisfied -> COMPLETED, destroy; otherwise retry.
	if len(t.Files) == 0 {
		t.State = StateCompleted
		if remove != nil {
			remove(t)
		}
		return nil
	}
	t.Backoff.Arm(1100 * time.Millisecond) // 11 deciseconds
	t.State = StateRetrying
	return nil
}

func (t *Transfer) deferCompletion(remove RemoveFunc) error {
	t.Backoff.Arm(1100 * time.Millisecond)
	t.State = StateRetrying
	return nil
}

func (t *Transfer) hasSyncFile() bool {
	for _, f := range t.Files {
		if f.Kind().IsSync() {
			return true
		}
	}
	return false
}

// CompleteUpload verifies that every source file still exists with an
// unchanged fingerprint (spec.md §4.1 "Completion"); any drift removes that
// file, and if all files drop out the whole transfer fails with a read
// error. Otherwise a file-attribute completion step is triggered on the
// external metadata channel via updateAttr.
func (t *Transfer) CompleteUpload(
	env Environment,
	recompute FingerprintFunc,
	updateAttr AttributeUpdateFunc,
	remove RemoveFunc,
) error {
	remaining := t.Files[:0]
	for _, f := range t.Files {
		fp, err := recompute(f.LocalName())
		if err != nil || !fp.Equal(t.Fingerprint) {
			f.Terminated(xfererr.New(xfererr.EREAD))
			continue
		}
		remaining = append(remaining, f)
	}
	t.Files = remaining

	if len(t.Files) == 0 {
		env.NotifyApp(t, xfererr.New(xfererr.EREAD))
		t.destroy(remove)
		return xfererr.New(xfererr.EREAD)
	}

	if updateAttr != nil {
		for _, f := range t.Files {
			updateAttr(f, t.Fingerprint)
		}
	}
	t.State = StateCompleted
	for _, f := range t.Files {
		f.Completed()
	}
	if remove != nil {
		remove(t)
	}
	return nil
}
