package disk

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Editor writes a new snapshot for one key.
//
// Data goes to a temporary file and becomes visible to Get only after Commit.
// Abort, or a crash before Commit, leaves the previous snapshot untouched.
// An Editor is not safe for concurrent use.
type Editor struct {
	c       *Cache
	e       *entry
	file    *os.File
	tmpPath string
	enc     *zstd.Encoder
	w       io.Writer
	written int64
	done    bool
}

func (ed *Editor) open() error {
	dir := filepath.Dir(ed.c.dataPath(ed.e.hash, 0))
	if err := os.MkdirAll(dir, ed.c.dirPerm); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ed.e.hash+".tmp-*")
	if err != nil {
		return err
	}
	ed.file = f
	ed.tmpPath = f.Name()
	ed.w = f
	if ed.c.compress {
		enc, err := newEncoder(f, ed.c.level)
		if err != nil {
			f.Close()
			_ = os.Remove(ed.tmpPath)
			return err
		}
		ed.enc = enc
		ed.w = enc
	}
	return nil
}

// Write implements io.Writer.
func (ed *Editor) Write(p []byte) (int, error) {
	if ed.done {
		return 0, ErrEditorClosed
	}
	n, err := ed.w.Write(p)
	ed.written += int64(n)
	return n, err
}

// Written returns the number of bytes written so far, before compression.
func (ed *Editor) Written() int64 {
	return ed.written
}

// Commit syncs the written data and atomically installs it as the key's
// snapshot. On failure the editor is aborted and the previous snapshot, if
// any, stays readable.
func (ed *Editor) Commit() error {
	if ed.done {
		return ErrEditorClosed
	}
	ed.done = true

	if err := ed.finish(); err != nil {
		ed.discard()
		ed.c.abort(ed)
		return err
	}
	info, err := os.Stat(ed.tmpPath)
	if err != nil {
		_ = os.Remove(ed.tmpPath)
		ed.c.abort(ed)
		return err
	}
	return ed.c.commit(ed, info.Size())
}

// Abort discards the written data. It is a no-op after Commit or Abort.
func (ed *Editor) Abort() error {
	if ed.done {
		return nil
	}
	ed.done = true
	ed.discard()
	ed.c.abort(ed)
	return nil
}

// finish flushes the encoder, syncs and closes the temp file.
func (ed *Editor) finish() error {
	var errs []error
	if ed.enc != nil {
		errs = append(errs, ed.enc.Close())
	}
	errs = append(errs, ed.file.Sync(), ed.file.Close())
	ed.file = nil
	return errors.Join(errs...)
}

func (ed *Editor) discard() {
	if ed.enc != nil {
		ed.enc.Reset(nil)
	}
	if ed.file != nil {
		_ = ed.file.Close()
		ed.file = nil
	}
	_ = os.Remove(ed.tmpPath)
}
