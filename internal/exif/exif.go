// Package exif reads capture time and orientation tags and extracts embedded
// previews. It drives a long-lived exiftool process and falls back to a pure
// Go decoder for TIFF-structured files when exiftool is not installed.
package exif

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/barasher/go-exiftool"
	goexif "github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
	"go.uber.org/zap"
)

// ErrOrientationRead is returned when the Orientation tag cannot be read.
// Callers treat it as orientation 1.
var ErrOrientationRead = errors.New("orientation read failed")

// ErrNoCaptureTime is returned when no date tag is present
var ErrNoCaptureTime = errors.New("no capture time")

// MaxPreviewBytes caps the size of an embedded preview read from exiftool
const MaxPreviewBytes = 50 << 20

const exifDateLayout = "2006:01:02 15:04:05"

// Embedded image tags, tried in order; the first non-empty result wins
var (
	RawPreviewTags = []string{"PreviewImage", "JpgFromRaw"}
	PSDPreviewTags = []string{"PhotoshopThumbnail", "ThumbnailImage", "PreviewImage"}
)

// Tool reads EXIF data through exiftool
type Tool struct {
	binPath string
	logger  *zap.Logger

	once     sync.Once
	mu       sync.Mutex
	et       *exiftool.Exiftool
	startErr error
}

// Option configures a Tool
type Option func(*Tool)

// WithBinaryPath sets the exiftool executable
func WithBinaryPath(p string) Option {
	return func(t *Tool) {
		if p != "" {
			t.binPath = p
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(t *Tool) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTool creates a Tool. The exiftool process is started on first use.
func NewTool(opts ...Option) *Tool {
	t := &Tool{
		binPath: "exiftool",
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) start() (*exiftool.Exiftool, error) {
	t.once.Do(func() {
		t.et, t.startErr = exiftool.NewExiftool(
			exiftool.SetExiftoolBinaryPath(t.binPath),
			exiftool.NoPrintConversion(),
			exiftool.Buffer(make([]byte, 128*1024), 64*1024),
		)
		if t.startErr != nil {
			t.logger.Warn("exiftool unavailable, using built-in EXIF decoder",
				zap.String("binary", t.binPath), zap.Error(t.startErr))
		}
	})
	return t.et, t.startErr
}

// Available reports whether the exiftool process could be started
func (t *Tool) Available() bool {
	_, err := t.start()
	return err == nil
}

// Close stops the exiftool process
func (t *Tool) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.et == nil {
		return nil
	}
	err := t.et.Close()
	t.et = nil
	return err
}

func (t *Tool) fields(ctx context.Context, path string) (exiftool.FileMetadata, error) {
	if err := ctx.Err(); err != nil {
		return exiftool.FileMetadata{}, err
	}
	if _, err := t.start(); err != nil {
		return exiftool.FileMetadata{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.et == nil {
		return exiftool.FileMetadata{}, errors.New("exiftool closed")
	}
	res := t.et.ExtractMetadata(path)
	if len(res) == 0 {
		return exiftool.FileMetadata{}, fmt.Errorf("no metadata for %s", path)
	}
	if res[0].Err != nil {
		return exiftool.FileMetadata{}, res[0].Err
	}
	return res[0], nil
}

// Orientation returns the numeric EXIF Orientation tag (1..8)
func (t *Tool) Orientation(ctx context.Context, path string) (int, error) {
	if t.Available() {
		fm, err := t.fields(ctx, path)
		if err != nil {
			return 1, fmt.Errorf("%w: %w", ErrOrientationRead, err)
		}
		v, err := fm.GetInt("Orientation")
		if err != nil {
			return 1, fmt.Errorf("%w: %w", ErrOrientationRead, err)
		}
		return int(v), nil
	}

	x, err := decodeFile(path)
	if err != nil {
		return 1, fmt.Errorf("%w: %w", ErrOrientationRead, err)
	}
	tag, err := x.Get(goexif.Orientation)
	if err != nil {
		return 1, fmt.Errorf("%w: %w", ErrOrientationRead, err)
	}
	v, err := tag.Int(0)
	if err != nil {
		return 1, fmt.Errorf("%w: %w", ErrOrientationRead, err)
	}
	return v, nil
}

// CaptureTime returns DateTimeOriginal, falling back to the digitized date.
// Times carry no zone and are interpreted as UTC so that differences between
// images stay stable across machines.
func (t *Tool) CaptureTime(ctx context.Context, path string) (time.Time, error) {
	if t.Available() {
		fm, err := t.fields(ctx, path)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to read metadata: %w", err)
		}
		for _, key := range []string{"DateTimeOriginal", "CreateDate"} {
			s, err := fm.GetString(key)
			if err != nil {
				continue
			}
			if ts, err := ParseDateTime(s); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, ErrNoCaptureTime
	}

	x, err := decodeFile(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to decode EXIF data: %w", err)
	}
	for _, name := range []goexif.FieldName{goexif.DateTimeOriginal, goexif.DateTimeDigitized} {
		tag, err := x.Get(name)
		if err != nil {
			continue
		}
		if ts, err := parseTag(tag); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, ErrNoCaptureTime
}

// PreviewImage extracts the embedded preview JPEG from a raw file.
// It returns nil bytes with no error when the file carries no preview.
func (t *Tool) PreviewImage(ctx context.Context, path string) ([]byte, error) {
	return t.EmbeddedImage(ctx, path, RawPreviewTags...)
}

// EmbeddedImage returns the first non-empty binary tag among tags
func (t *Tool) EmbeddedImage(ctx context.Context, path string, tags ...string) ([]byte, error) {
	for _, tag := range tags {
		data, err := t.runBinary(ctx, "-b", "-"+tag, path)
		if err != nil {
			return nil, err
		}
		if len(data) > 0 {
			return data, nil
		}
	}
	return nil, nil
}

func (t *Tool) runBinary(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, t.binPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open exiftool output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start exiftool: %w", err)
	}

	data, readErr := ReadLimited(stdout, MaxPreviewBytes)
	if readErr != nil {
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()

	if readErr != nil {
		return nil, readErr
	}
	if waitErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("exiftool failed: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
	}
	return data, nil
}

// ReadLimited reads r fully but fails once more than limit bytes arrive
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("output exceeds %d bytes", limit)
	}
	return data, nil
}

// ParseDateTime parses an EXIF "YYYY:MM:DD HH:MM:SS" value. Sub-second
// and zone suffixes are ignored.
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(strings.TrimRight(s, "\x00"))
	if len(s) < len(exifDateLayout) {
		return time.Time{}, fmt.Errorf("invalid EXIF date %q", s)
	}
	ts, err := time.ParseInLocation(exifDateLayout, s[:len(exifDateLayout)], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid EXIF date %q: %w", s, err)
	}
	if ts.Year() < 1900 {
		return time.Time{}, fmt.Errorf("implausible EXIF date %q", s)
	}
	return ts, nil
}

func parseTag(tag *tiff.Tag) (time.Time, error) {
	s, err := tag.StringVal()
	if err != nil {
		return time.Time{}, err
	}
	return ParseDateTime(s)
}

func decodeFile(path string) (*goexif.Exif, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return goexif.Decode(f)
}
