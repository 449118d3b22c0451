package sidecar

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"scenegrouper/internal/fileutil"
	"scenegrouper/internal/models"
)

// ErrNoResult is returned for groups that have not been analyzed
var ErrNoResult = errors.New("group has no analysis result")

// Writer writes sidecars next to base images
type Writer struct {
	logger *zap.Logger
	backup bool
}

// Option configures a Writer
type Option func(*Writer)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithBackup controls whether an existing sidecar is kept as a .bak file
func WithBackup(b bool) Option {
	return func(w *Writer) {
		w.backup = b
	}
}

// NewWriter creates a Writer
func NewWriter(opts ...Option) *Writer {
	w := &Writer{logger: zap.NewNop(), backup: true}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Path returns the sidecar path of an image: same directory and stem
func Path(imagePath string) string {
	return strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + ".xmp"
}

// WriteGroup writes a sidecar for every base image of every cluster in g
// and returns the written paths.
func (w *Writer) WriteGroup(g *models.SuperGroup) ([]string, error) {
	if g.Result == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoResult, g.ID)
	}

	var written []string
	for _, c := range g.Clusters() {
		data, err := Marshal(Merge(c, g.Result))
		if err != nil {
			return written, err
		}
		for _, img := range c.ImagePaths {
			p := Path(img)
			if err := w.write(p, data); err != nil {
				return written, err
			}
			written = append(written, p)
		}
	}
	w.logger.Debug("sidecars written", zap.String("group", g.ID), zap.Int("count", len(written)))
	return written, nil
}

func (w *Writer) write(path string, data []byte) error {
	if w.backup {
		if existing, err := os.ReadFile(path); err == nil {
			if bytes.Equal(existing, data) {
				return nil
			}
			if err := backup(path); err != nil {
				return err
			}
		}
	}
	err := fileutil.WriteFileAtomic(path, 0644, func(out io.Writer) error {
		_, err := out.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write sidecar %s: %w", path, err)
	}
	return nil
}

// backup renames path to a free "<name>.bak" in the same directory
func backup(path string) error {
	dir := filepath.Dir(path)
	name := fileutil.UniqueName(filepath.Base(path)+".bak", fileutil.FreeIn(dir))
	if err := os.Rename(path, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("failed to back up %s: %w", path, err)
	}
	return nil
}
