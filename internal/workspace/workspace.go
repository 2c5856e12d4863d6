package workspace

import (
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"phylopack/internal/fault"
)

// DebugDirName is the conventional scratch directory kept under the output
// directory when debugging.
const DebugDirName = "phylopack_tmp"

type Options struct {
	Fs afero.Fs
	// Debug retains the workspace and places it under OutputDir.
	Debug     bool
	OutputDir string
	// UniqueDebug suffixes the debug directory with a timestamp and short id
	// so concurrent debug runs do not share it.
	UniqueDebug bool
	// TempRoot is the parent for non-debug workspaces; empty means the OS default.
	TempRoot string
	Now      func() time.Time
}

// Workspace owns every intermediate file of one pipeline run.
type Workspace struct {
	fs     afero.Fs
	dir    string
	retain bool
}

// New allocates the scratch directory.
func New(opts Options) (*Workspace, error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if !opts.Debug {
		dir, err := afero.TempDir(fs, opts.TempRoot, "phylopack-")
		if err != nil {
			return nil, fault.IO("create workspace", err)
		}
		return &Workspace{fs: fs, dir: dir}, nil
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	name := DebugDirName
	if opts.UniqueDebug {
		name += "-" + now().UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
	}
	dir := filepath.Join(opts.OutputDir, name)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.IO("create workspace", err)
	}
	return &Workspace{fs: fs, dir: dir, retain: true}, nil
}

func (w *Workspace) Dir() string { return w.dir }

// Path joins name onto the workspace directory.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// Retained reports whether Close keeps the directory.
func (w *Workspace) Retained() bool { return w.retain }

// CopyOut copies a workspace file to dst.
func (w *Workspace) CopyOut(name, dst string) error {
	src, err := w.fs.Open(w.Path(name))
	if err != nil {
		return fault.IO("copy "+name, err)
	}
	defer src.Close()
	out, err := w.fs.Create(dst)
	if err != nil {
		return fault.IO("copy "+name, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fault.IO("copy "+name, err)
	}
	return fault.IO("copy "+name, out.Close())
}

// Close removes the directory unless it is retained.
func (w *Workspace) Close() error {
	if w.retain {
		return nil
	}
	return w.Remove()
}

// Remove deletes the directory regardless of retention.
func (w *Workspace) Remove() error {
	return fault.IO("remove workspace", w.fs.RemoveAll(w.dir))
}
