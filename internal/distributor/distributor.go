// Package distributor implements the FileDistributor consumed capability
// (spec.md §6): the placement step that delivers a downloaded file to each
// target location with name-collision resolution.
package distributor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tanq16/xfercore/internal/fileset"
	"github.com/tanq16/xfercore/internal/xlog"
)

var log = xlog.Get("distributor")

// ProgressFunc reports bytes copied so far for one delivery.
type ProgressFunc func(copied int64)

// FS is the filesystem abstraction the distributor consumes; kept minimal
// and out-of-scope per spec.md §1 ("the filesystem abstraction ... pluggable
// capabilities").
type FS interface {
	Rename(oldpath, newpath string) error
	Stat(name string) (os.FileInfo, error)
	Open(name string) (io.ReadCloser, error)
	Create(name string) (io.WriteCloser, error)
	Remove(name string) error
}

// OSFS is the default FS backed by the local filesystem.
type OSFS struct{}

func (OSFS) Rename(o, n string) error         { return os.Rename(o, n) }
func (OSFS) Stat(n string) (os.FileInfo, error) { return os.Stat(n) }
func (OSFS) Open(n string) (io.ReadCloser, error) { return os.Open(n) }
func (OSFS) Create(n string) (io.WriteCloser, error) { return os.Create(n) }
func (OSFS) Remove(n string) error            { return os.Remove(n) }

// Distributor is the consumed capability described in spec.md §6.
type Distributor interface {
	DistributeTo(sourcePath, targetPath string, fs FS, policy fileset.CollisionPolicy, progress ProgressFunc) (ok bool, transientErr error, nameTooLong bool)
}

// Local is the concrete local-filesystem FileDistributor. At most one
// delivery per Transfer renames the source into place; the rest copy it,
// matching spec.md §4.2 step 8.
type Local struct {
	usedRename bool
}

func New() *Local { return &Local{} }

const maxNameLen = 255

func (d *Local) DistributeTo(sourcePath, targetPath string, fs FS, policy fileset.CollisionPolicy, progress ProgressFunc) (ok bool, transientErr error, nameTooLong bool) {
	if len(filepath.Base(targetPath)) > maxNameLen {
		return false, nil, true
	}

	resolved, err := d.resolveCollision(targetPath, fs, policy)
	if err != nil {
		return false, err, false
	}

	if !d.usedRename {
		if err := fs.Rename(sourcePath, resolved); err == nil {
			d.usedRename = true
			return true, nil, false
		}
		// Rename can fail across filesystem boundaries; fall through to copy.
	}

	if err := copyFile(sourcePath, resolved, fs, progress); err != nil {
		return false, err, false
	}
	return true, nil, false
}

func (d *Local) resolveCollision(targetPath string, fs FS, policy fileset.CollisionPolicy) (string, error) {
	if _, err := fs.Stat(targetPath); errors.Is(err, os.ErrNotExist) {
		return targetPath, nil
	}

	switch policy {
	case fileset.OverwriteTarget:
		return targetPath, nil
	case fileset.RenameExistingToOldN:
		for n := 1; ; n++ {
			candidate := fmt.Sprintf("%s.old%d", targetPath, n)
			if _, err := fs.Stat(candidate); errors.Is(err, os.ErrNotExist) {
				if err := fs.Rename(targetPath, candidate); err != nil {
					return "", err
				}
				return targetPath, nil
			}
		}
	case fileset.RenameWithBracketedNumber:
		ext := filepath.Ext(targetPath)
		base := targetPath[:len(targetPath)-len(ext)]
		for n := 1; ; n++ {
			candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
			if _, err := fs.Stat(candidate); errors.Is(err, os.ErrNotExist) {
				return candidate, nil
			}
		}
	default:
		return targetPath, nil
	}
}

func copyFile(src, dst string, fs FS, progress ProgressFunc) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := fs.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 256*1024)
	var copied int64
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			copied += int64(n)
			if progress != nil {
				progress(copied)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

