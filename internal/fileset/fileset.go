// Package fileset models the polymorphic File targets a Transfer owns
// (spec.md §9 "Polymorphic File targets"). The original source uses virtual
// classes for sync vs. non-sync downloads and uploads; this package models
// the same set as a tagged variant with a common interface, the idiomatic
// Go replacement noted in the design notes.
package fileset

// Kind tags which variant a File is.
type Kind int

const (
	SyncDownload Kind = iota
	SyncUpload
	Download
	Upload
	SupportUpload
)

func (k Kind) String() string {
	switch k {
	case SyncDownload:
		return "SyncDownload"
	case SyncUpload:
		return "SyncUpload"
	case Download:
		return "Download"
	case Upload:
		return "Upload"
	case SupportUpload:
		return "SupportUpload"
	default:
		return "Unknown"
	}
}

// IsSync reports whether the variant belongs to the sync engine rather than
// a plain transfer request.
func (k Kind) IsSync() bool {
	return k == SyncDownload || k == SyncUpload
}

// CollisionPolicy selects how a FileDistributor resolves a name collision at
// the target path (spec.md §6).
type CollisionPolicy int

const (
	OverwriteTarget CollisionPolicy = iota
	RenameExistingToOldN
	RenameWithBracketedNumber
)

// File is the common trait every File target variant satisfies: {terminated,
// failed, completed, localname, collision-resolution, cancel-token}.
type File interface {
	Kind() Kind
	LocalName() string
	TargetPath() string
	CollisionPolicy() CollisionPolicy

	// Terminated is invoked when the owning Transfer is torn down for any
	// reason (completion, cancellation, unrecoverable failure).
	Terminated(err error)

	// Failed is invoked once per file when the owning Transfer hits a
	// failure that the transfer-level policy says to propagate. It returns
	// whether this file rejects giving up (i.e. wants the transfer to
	// defer rather than fail outright) — sync files generally do.
	Failed(err error) bool

	// Completed is invoked once the transfer's data has landed and this
	// file's delivery step has succeeded.
	Completed()

	Cancel()
	IsCancelled() bool
	CancelToken() <-chan struct{}
}

// Base implements the mechanical parts of File (cancellation, path
// bookkeeping) so each variant only needs to supply Kind and the
// callback behavior specific to it.
type Base struct {
	kind       Kind
	localName  string
	targetPath string
	policy     CollisionPolicy
	cancelCh   chan struct{}
	cancelled  bool
}

func NewBase(kind Kind, localName, targetPath string, policy CollisionPolicy) Base {
	return Base{
		kind:       kind,
		localName:  localName,
		targetPath: targetPath,
		policy:     policy,
		cancelCh:   make(chan struct{}),
	}
}

func (b *Base) Kind() Kind                        { return b.kind }
func (b *Base) LocalName() string                 { return b.localName }
func (b *Base) TargetPath() string                { return b.targetPath }
func (b *Base) CollisionPolicy() CollisionPolicy  { return b.policy }
func (b *Base) CancelToken() <-chan struct{}      { return b.cancelCh }
func (b *Base) IsCancelled() bool                 { return b.cancelled }

func (b *Base) Cancel() {
	if b.cancelled {
		return
	}
	b.cancelled = true
	close(b.cancelCh)
}

// PlainFile is the non-sync variant (Download, Upload, SupportUpload):
// Failed never asks the transfer to defer.
type PlainFile struct {
	Base
}

func NewPlainFile(kind Kind, localName, targetPath string, policy CollisionPolicy) *PlainFile {
	return &PlainFile{Base: NewBase(kind, localName, targetPath, policy)}
}

func (f *PlainFile) Terminated(err error) {}
func (f *PlainFile) Failed(err error) bool { return false }
func (f *PlainFile) Completed()            {}

// SyncFile is the sync-engine variant (SyncDownload, SyncUpload): it rejects
// giving up on transient failures, deferring to the transfer's retry logic
// per spec.md §4.1's failure table ("sync files defer").
type SyncFile struct {
	Base
}

func NewSyncFile(kind Kind, localName, targetPath string) *SyncFile {
	return &SyncFile{Base: NewBase(kind, localName, targetPath, OverwriteTarget)}
}

func (f *SyncFile) Terminated(err error) {}
func (f *SyncFile) Failed(err error) bool { return true }
func (f *SyncFile) Completed()            {}
