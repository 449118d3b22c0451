package preview

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenegrouper/internal/exif"
	"scenegrouper/internal/hash"
	"scenegrouper/internal/match"
)

type fakeExtractor struct {
	embedded    []byte
	embeddedErr error
	orientation int
	orientErr   error

	orientCalls atomic.Int32
	lastTags    []string
}

func (f *fakeExtractor) EmbeddedImage(_ context.Context, _ string, tags ...string) ([]byte, error) {
	f.lastTags = tags
	return f.embedded, f.embeddedErr
}

func (f *fakeExtractor) Orientation(context.Context, string) (int, error) {
	f.orientCalls.Add(1)
	if f.orientErr != nil {
		return 1, f.orientErr
	}
	if f.orientation == 0 {
		return 1, nil
	}
	return f.orientation, nil
}

type fakeRaw struct {
	img image.Image
	err error
}

func (f fakeRaw) Convert(context.Context, string) (image.Image, error) {
	return f.img, f.err
}

func writeJPEG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, imaging.Save(imaging.New(w, h, color.NRGBA{R: 40, G: 120, B: 200, A: 255}), path))
	return path
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, color.White), imaging.JPEG))
	return buf.Bytes()
}

func previewSize(t *testing.T, path string) (int, int) {
	t.Helper()
	img, err := imaging.Open(path)
	require.NoError(t, err)
	b := img.Bounds()
	return b.Dx(), b.Dy()
}

func newGenerator(t *testing.T, opts ...Option) *Generator {
	t.Helper()
	opts = append([]Option{WithCacheDir(t.TempDir())}, opts...)
	g, err := NewGenerator(opts...)
	require.NoError(t, err)
	return g
}

func TestGet_BoundsWithoutEnlarging(t *testing.T) {
	src := t.TempDir()
	g := newGenerator(t)

	out, err := g.Get(context.Background(), writeJPEG(t, src, "wide.jpg", 2400, 1200))
	require.NoError(t, err)
	w, h := previewSize(t, out)
	assert.Equal(t, 1200, w)
	assert.Equal(t, 600, h)

	out, err = g.Get(context.Background(), writeJPEG(t, src, "small.jpg", 300, 200))
	require.NoError(t, err)
	w, h = previewSize(t, out)
	assert.Equal(t, 300, w)
	assert.Equal(t, 200, h)
}

func TestGet_AppliesOrientation(t *testing.T) {
	src := writeJPEG(t, t.TempDir(), "portrait.jpg", 400, 200)
	g := newGenerator(t, WithExtractor(&fakeExtractor{orientation: 6}))

	out, err := g.Get(context.Background(), src)
	require.NoError(t, err)
	w, h := previewSize(t, out)
	assert.Equal(t, 200, w)
	assert.Equal(t, 400, h)
}

// landscape is a 1200x800 scene whose brightness climbs steadily from top
// to bottom, with a sawtooth across
func landscape() image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 1200, 800))
	for y := 0; y < 800; y++ {
		for x := 0; x < 1200; x++ {
			v := 20 + 0.2*float64(y) + 8*math.Sin(float64(y)/50) + 40*float64(x%300)/300
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(v), G: uint8(v * 0.9), B: uint8(v * 0.7), A: 255})
		}
	}
	return img
}

func TestGet_RawPreviewAndDerivativeHashAlike(t *testing.T) {
	scene := landscape()
	src := t.TempDir()

	var embedded bytes.Buffer
	require.NoError(t, imaging.Encode(&embedded, scene, imaging.JPEG, imaging.JPEGQuality(90)))
	raw := filepath.Join(src, "IMG_020.CR2")
	require.NoError(t, os.WriteFile(raw, []byte("raw"), 0644))
	tif := filepath.Join(src, "IMG_020_adj.tif")
	require.NoError(t, imaging.Save(scene, tif))

	g := newGenerator(t, WithExtractor(&fakeExtractor{embedded: embedded.Bytes(), orientation: 6}))
	h := hash.NewHasher()

	var hashes []string
	for _, p := range []string{raw, tif} {
		out, err := g.Get(context.Background(), p)
		require.NoError(t, err)
		w, ht := previewSize(t, out)
		assert.Equal(t, 800, w, p)
		assert.Equal(t, 1200, ht, p)

		sum, err := h.HashFile(out)
		require.NoError(t, err)
		hashes = append(hashes, sum)
	}

	d, err := hash.Distance(hashes[0], hashes[1])
	require.NoError(t, err)
	assert.Less(t, d, match.DefaultThreshold)
}

func TestGet_OrientationFailureDefaultsToUpright(t *testing.T) {
	src := writeJPEG(t, t.TempDir(), "a.jpg", 400, 200)
	ex := &fakeExtractor{orientErr: exif.ErrOrientationRead}
	g := newGenerator(t, WithExtractor(ex))

	out, err := g.Get(context.Background(), src)
	require.NoError(t, err)
	w, h := previewSize(t, out)
	assert.Equal(t, 400, w)
	assert.Equal(t, 200, h)
}

func TestGet_CachedAndIdempotent(t *testing.T) {
	src := writeJPEG(t, t.TempDir(), "a.jpg", 100, 100)
	ex := &fakeExtractor{}
	g := newGenerator(t, WithExtractor(ex))

	first, err := g.Get(context.Background(), src)
	require.NoError(t, err)
	second, err := g.Get(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, filepath.Join(g.Dir(), CacheKey(src)), first)
	assert.Equal(t, int32(1), ex.orientCalls.Load(), "second call should be a cache hit")
}

func TestGet_RawUsesEmbeddedPreview(t *testing.T) {
	src := filepath.Join(t.TempDir(), "IMG_0001.CR2")
	require.NoError(t, os.WriteFile(src, []byte("not really raw"), 0644))
	ex := &fakeExtractor{embedded: jpegBytes(t, 3000, 2000)}
	g := newGenerator(t, WithExtractor(ex), WithRawConverter(fakeRaw{err: errors.New("must not be called")}))

	out, err := g.Get(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, exif.RawPreviewTags, ex.lastTags)
	w, h := previewSize(t, out)
	assert.Equal(t, 1200, w)
	assert.Equal(t, 800, h)
}

func TestGet_RawFallsBackToConverter(t *testing.T) {
	src := filepath.Join(t.TempDir(), "DSC_0001.NEF")
	require.NoError(t, os.WriteFile(src, []byte("raw"), 0644))
	g := newGenerator(t,
		WithExtractor(&fakeExtractor{}),
		WithRawConverter(fakeRaw{img: imaging.New(640, 480, color.Black)}),
	)

	out, err := g.Get(context.Background(), src)
	require.NoError(t, err)
	w, h := previewSize(t, out)
	assert.Equal(t, 640, w)
	assert.Equal(t, 480, h)
}

func TestGet_FailureWritesNothing(t *testing.T) {
	src := filepath.Join(t.TempDir(), "DSC_0002.NEF")
	require.NoError(t, os.WriteFile(src, []byte("raw"), 0644))
	g := newGenerator(t, WithExtractor(&fakeExtractor{}))

	_, err := g.Get(context.Background(), src)
	require.ErrorIs(t, err, ErrPreviewExtract)

	entries, err := os.ReadDir(g.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGet_PhotoshopUsesComposite(t *testing.T) {
	src := filepath.Join(t.TempDir(), "layout.psd")
	require.NoError(t, os.WriteFile(src, []byte("8BPS"), 0644))

	ex := &fakeExtractor{embedded: jpegBytes(t, 160, 120)}
	g := newGenerator(t, WithExtractor(ex))
	_, err := g.Get(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, exif.PSDPreviewTags, ex.lastTags)

	g = newGenerator(t, WithExtractor(&fakeExtractor{}))
	_, err = g.Get(context.Background(), src)
	assert.ErrorIs(t, err, ErrPreviewExtract)
}

func TestGet_UndecodableFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "broken.jpg")
	require.NoError(t, os.WriteFile(src, []byte("nope"), 0644))
	g := newGenerator(t)

	_, err := g.Get(context.Background(), src)
	assert.ErrorIs(t, err, ErrPreviewExtract)
}

func TestNewGenerator_CacheDirError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	_, err := NewGenerator(WithCacheDir(filepath.Join(file, "cache")))
	assert.ErrorIs(t, err, ErrCacheDir)
}

func TestCleanup(t *testing.T) {
	g, err := NewGenerator()
	require.NoError(t, err)
	require.DirExists(t, g.Dir())
	require.NoError(t, g.Cleanup())
	assert.NoDirExists(t, g.Dir())

	g, err = NewGenerator(WithKeepCache(true))
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(g.Dir()) })
	require.NoError(t, g.Cleanup())
	assert.DirExists(t, g.Dir())

	dir := t.TempDir()
	g, err = NewGenerator(WithCacheDir(dir))
	require.NoError(t, err)
	require.NoError(t, g.Cleanup())
	assert.DirExists(t, dir, "caller supplied directory is never removed")
}

func TestOrient(t *testing.T) {
	red := color.NRGBA{R: 255, A: 255}
	src := imaging.New(4, 2, color.NRGBA{A: 255})
	src.SetNRGBA(0, 1, red) // bottom-left

	tests := []struct {
		orientation int
		w, h        int
		redAt       image.Point
	}{
		{1, 4, 2, image.Pt(0, 1)},
		{2, 4, 2, image.Pt(0, 1)},
		{3, 4, 2, image.Pt(3, 0)},
		{6, 2, 4, image.Pt(0, 0)},
		{8, 2, 4, image.Pt(1, 3)},
		{42, 4, 2, image.Pt(0, 1)},
	}
	for _, tt := range tests {
		out := imaging.Clone(Orient(src, tt.orientation))
		assert.Equal(t, tt.w, out.Bounds().Dx(), "orientation %d width", tt.orientation)
		assert.Equal(t, tt.h, out.Bounds().Dy(), "orientation %d height", tt.orientation)
		assert.Equal(t, red, out.NRGBAAt(tt.redAt.X, tt.redAt.Y), "orientation %d", tt.orientation)
	}
}

func TestDcrawArgs(t *testing.T) {
	d := NewDcraw("")
	assert.Equal(t, "dcraw", d.BinPath)
	assert.Equal(t, []string{"-c", "-w", "-o", "1", "-t", "0", "-T", "/a/b.cr2"}, d.Args("/a/b.cr2"))
}
