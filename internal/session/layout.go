package session

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"codeberg.org/mutker/wabot-instance/internal/errors"
)

const (
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
)

// Layout is the on-disk home of one instance:
//
//	<instances>/<id>/session  credential material
//	<instances>/<id>/data     per-instance data, seeded from a template
type Layout struct {
	Root       string
	SessionDir string
	DataDir    string
}

func NewLayout(instancesDir, instanceID string) Layout {
	root := filepath.Join(instancesDir, instanceID)
	return Layout{
		Root:       root,
		SessionDir: filepath.Join(root, "session"),
		DataDir:    filepath.Join(root, "data"),
	}
}

// Ensure creates the directories. On first run the data directory is seeded
// from templateDir; an existing data directory is never touched.
func (l Layout) Ensure(templateDir string) error {
	errFactory := errors.New()

	for _, dir := range []string{l.Root, l.SessionDir} {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return errFactory.Wrap(ErrLayout, err)
		}
	}

	if _, err := os.Stat(l.DataDir); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errFactory.Wrap(ErrLayout, err)
	}

	if err := os.MkdirAll(l.DataDir, defaultDirPerm); err != nil {
		return errFactory.Wrap(ErrLayout, err)
	}

	if templateDir == "" {
		return nil
	}
	if _, err := os.Stat(templateDir); os.IsNotExist(err) {
		return nil
	}

	if err := copyTree(templateDir, l.DataDir); err != nil {
		return errFactory.Wrap(ErrLayout, err)
	}
	return nil
}

// ResetSession removes the session directory and recreates it empty.
func (l Layout) ResetSession() error {
	errFactory := errors.New()

	if err := os.RemoveAll(l.SessionDir); err != nil {
		return errFactory.Wrap(ErrLayout, err)
	}
	if err := os.MkdirAll(l.SessionDir, defaultDirPerm); err != nil {
		return errFactory.Wrap(ErrLayout, err)
	}
	return nil
}

// copyTree copies regular files from src into dst, skipping files that
// already exist in dst.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, defaultDirPerm)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if _, err := os.Stat(target); err == nil {
			return nil
		}

		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, defaultFilePerm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
