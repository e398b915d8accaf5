// Package transfer implements a single pending or active file operation:
// its state machine, serialization, and failure classification
// (spec.md §4.1, §4.2).
package transfer

import (
	"time"

	"github.com/tanq16/xfercore/internal/backoff"
	"github.com/tanq16/xfercore/internal/chunkmacs"
	"github.com/tanq16/xfercore/internal/fileset"
	"github.com/tanq16/xfercore/internal/xfererr"
	"github.com/tanq16/xfercore/internal/xlog"
)

var log = xlog.Get("transfer")

// Direction is GET (download) or PUT (upload).
type Direction uint8

const (
	GET Direction = iota
	PUT
)

func (d Direction) String() string {
	if d == PUT {
		return "PUT"
	}
	return "GET"
}

// State is the transfer's lifecycle state (spec.md §3).
type State uint8

const (
	StateNone State = iota
	StateQueued
	StateActive
	StatePaused
	StateRetrying
	StateCompleting
	StateCompleted
	StateCancelled
	StateFailed
)

var stateNames = [...]string{
	"NONE", "QUEUED", "ACTIVE", "PAUSED", "RETRYING",
	"COMPLETING", "COMPLETED", "CANCELLED", "FAILED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Fingerprint identifies file content for queue identity and integrity
// checks (spec.md GLOSSARY).
type Fingerprint struct {
	Size     int64
	Mtime    time.Time
	Checksum uint32
}

func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.Size == o.Size && f.Mtime.Equal(o.Mtime) && f.Checksum == o.Checksum
}

func (f Fingerprint) Valid() bool { return f.Size > 0 || f.Checksum != 0 }

// Slot is the live I/O state owned by a Transfer while ACTIVE. The HTTP
// client, filesystem, and crypto primitives that would drive it are
// out-of-scope external collaborators (spec.md §1); this struct only tracks
// the ownership and backoff bookkeeping the transfer state machine needs.
type Slot struct {
	Backoff *backoff.Generator
}

// Transfer is one pending or active upload or download.
type Transfer struct {
	Direction Direction

	LocalFilename         string
	PortableLocalPath     bool
	FileKey               [32]byte
	CTRIV                 uint64
	MetaMAC               uint64
	TransferKey           [16]byte
	ChunkMacs             *chunkmacs.ChunkMacs
	Fingerprint           Fingerprint
	BadFP                 Fingerprint
	FixFingerprint        bool // set by CompleteDownload step 6; not persisted
	Size                  int64
	Pos                   int64
	ProgressCompleted     int64
	State                 State
	Priority              uint64
	TempURLs              []string
	DiscardedTempUrlsSize int
	Files                 []fileset.File
	FailCount             int
	LastAccessTime        time.Time
	HasUltoken            bool
	Ultoken               [36]byte
	DownloadFileHandle    uint64
	HasDownloadFileHandle bool

	Backoff *backoff.Generator
	Slot    *Slot
}

// New constructs a transfer with a direction, appended under QUEUED (the
// caller — TransferList.Append — assigns priority).
func New(dir Direction, localFilename string, fp Fingerprint, size int64, files ...fileset.File) *Transfer {
	return &Transfer{
		Direction:      dir,
		LocalFilename:  localFilename,
		Fingerprint:    fp,
		Size:           size,
		ChunkMacs:      chunkmacs.New(),
		State:          StateQueued,
		Files:          files,
		LastAccessTime: time.Now(),
		Backoff:        backoff.New(500 * time.Millisecond),
	}
}

// RefreshProgress recomputes Pos/ProgressCompleted from ChunkMacs, keeping
// the invariant chunkmacs.calcprogress(size) = (pos, progresscompleted)
// (spec.md §3).
func (t *Transfer) RefreshProgress() {
	t.Pos, t.ProgressCompleted = t.ChunkMacs.CalcProgress(t.Size)
}

// ValidTempURLs reports the invariant tempurls.size() ∈ {0, 1, 6}.
func (t *Transfer) ValidTempURLs() bool {
	n := len(t.TempURLs)
	return n == 0 || n == 1 || n == 6
}

// SetTempURLs assigns temp URLs, remembering how many the previous attempt
// used so a later non-RAID→RAID resumption can be detected.
func (t *Transfer) SetTempURLs(urls []string) error {
	if len(urls) != 0 && len(urls) != 1 && len(urls) != 6 {
		return xfererr.New(xfererr.EARGS)
	}
	t.DiscardedTempUrlsSize = len(t.TempURLs)
	t.TempURLs = urls
	return nil
}

// ActivateSlot transitions the transfer to ACTIVE and gives it a slot.
func (t *Transfer) ActivateSlot() {
	t.State = StateActive
	t.Slot = &Slot{Backoff: t.Backoff}
}

// DestroySlot releases the slot without changing state; callers set the
// resulting state (QUEUED, PAUSED, RETRYING) themselves.
func (t *Transfer) DestroySlot() {
	t.Slot = nil
}

// Environment is the set of process-wide effects Failed needs to trigger:
// overquota mode, app notification, and sync-disabling. Modeled as an
// explicit interface rather than ambient state per spec.md §9.
type Environment interface {
	NotifyOverquota()
	ActivateOverquotaMode()
	NotifyApp(t *Transfer, err error)
	DisableSyncs()
}

// RemoveFunc is invoked when Failed decides the transfer must be torn down;
// TransferList supplies it so this package never imports transferlist.
type RemoveFunc func(t *Transfer)

// Failed applies the classification and action table from spec.md §4.1,
// returning true if the transfer was destroyed (FAILED/removed) and false
// if it was deferred (RETRYING/QUEUED, kept alive).
func (t *Transfer) Failed(env Environment, err *xfererr.Error, timeLeft time.Duration, remove RemoveFunc) bool {
	kind := err.Kind
	hasSlot := t.Slot != nil
	allTargetsForeign := t.allFilesForeign()

	switch {
	case (kind == xfererr.EOVERQUOTA || kind == xfererr.EPAYWALL) && !hasSlot:
		t.armBackoff(timeLeft)
		env.NotifyOverquota()
		env.NotifyApp(t, err)
		return false

	case (kind == xfererr.EOVERQUOTA || kind == xfererr.EPAYWALL) && hasSlot && allTargetsForeign && timeLeft == 0:
		env.NotifyApp(t, err)
		return t.destroy(remove)

	case kind == xfererr.EOVERQUOTA || kind == xfererr.EPAYWALL:
		t.armBackoff(timeLeft)
		env.ActivateOverquotaMode()
		return false

	case kind == xfererr.EARGS,
		t.Direction == GET && kind == xfererr.EBLOCKED,
		t.Direction == GET && kind == xfererr.ETOOMANY && err.ExtraInfo,
		kind == xfererr.ESUBUSERKEYMISSING:
		env.NotifyApp(t, err)
		t.removeNonSyncFiles()
		if t.allFilesGone() {
			return t.destroy(remove)
		}
		return false

	case kind == xfererr.EBUSINESSPASTDUE:
		env.NotifyApp(t, err)
		env.DisableSyncs()
		return t.destroy(remove)

	default:
		t.Backoff.ArmDefault()
		t.State = StateRetrying
		env.NotifyApp(t, err)
		return false
	}
}

func (t *Transfer) armBackoff(timeLeft time.Duration) {
	if timeLeft > 0 {
		t.Backoff.Arm(timeLeft)
		return
	}
	t.Backoff.Arm(backoff.Never)
}

func (t *Transfer) allFilesForeign() bool {
	// A "foreign" target is one this process doesn't own the destination
	// of; without an ownership signal from the caller, treat non-sync
	// files as foreign and sync files as owned.
	for _, f := range t.Files {
		if f.Kind().IsSync() {
			return false
		}
	}
	return len(t.Files) > 0
}

func (t *Transfer) allFilesGone() bool { return len(t.Files) == 0 }

func (t *Transfer) removeNonSyncFiles() {
	kept := t.Files[:0]
	for _, f := range t.Files {
		if f.Kind().IsSync() {
			kept = append(kept, f)
			continue
		}
		f.Terminated(xfererr.New(xfererr.EINCOMPLETE))
	}
	t.Files = kept
}

func (t *Transfer) destroy(remove RemoveFunc) bool {
	t.State = StateFailed
	for _, f := range t.Files {
		f.Terminated(xfererr.New(xfererr.EFAILED))
	}
	if remove != nil {
		remove(t)
	}
	return true
}

// FailedGeneric handles the remaining "any other" row plus the PUT-specific
// deferral special case, since the table in §4.1 continues past the
// per-error switch with file-level iteration.
//
// openFileSize/openFileMtime describe the on-disk file backing a PUT at the
// moment of failure; a change since the upload started overrides deferral.
func (t *Transfer) FailedGeneric(remove RemoveFunc, openFileSize int64, openFileMtime time.Time) (deferred bool) {
	shouldDefer := false
	for _, f := range t.Files {
		if f.Failed(xfererr.New(xfererr.EFAILED)) {
			shouldDefer = true
		}
	}

	if t.Direction == PUT && len(t.TempURLs) == 0 && t.FailCount < 16 {
		shouldDefer = true
	}

	if t.Direction == PUT && shouldDefer {
		t.ChunkMacs = chunkmacs.New()
		t.ProgressCompleted = 0
		t.Pos = 0
		t.HasUltoken = false
		if openFileSize != t.Size || !openFileMtime.Equal(t.Fingerprint.Mtime) {
			shouldDefer = false
		}
	}

	if shouldDefer {
		t.FailCount++
		t.DestroySlot()
		log.Debug().Str("direction", t.Direction.String()).Int("failcount", t.FailCount).Msg("transfer deferred")
		return true
	}

	t.State = StateFailed
	for _, f := range t.Files {
		f.Terminated(xfererr.New(xfererr.EFAILED))
	}
	if remove != nil {
		remove(t)
	}
	return false
}
