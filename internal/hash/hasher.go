package hash

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/bits"
	"os"
	"strconv"

	"github.com/corona10/goimagehash"
)

// ErrHashFailure marks an image that could not be hashed.
// The image is left out of similarity grouping.
var ErrHashFailure = errors.New("hash failure")

const (
	// Bits is the hash length in bits
	Bits = 256
	// HexLen is the hash length in hex characters
	HexLen = Bits / 4

	side  = 16
	words = Bits / 64
)

// Hasher computes perceptual hashes for previews
type Hasher struct{}

// NewHasher creates a new Hasher
func NewHasher() *Hasher {
	return &Hasher{}
}

// HashFile decodes a preview and returns its 64 character hex hash
func (h *Hasher) HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: failed to open file: %w", ErrHashFailure, err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return "", fmt.Errorf("%w: failed to decode image: %w", ErrHashFailure, err)
	}

	return h.HashImage(img)
}

// HashImage returns the hex hash of an already decoded image: a 16x16
// difference hash, one bit per pair of horizontally neighbouring cells.
func (h *Hasher) HashImage(img image.Image) (string, error) {
	ph, err := goimagehash.ExtDifferenceHash(img, side, side)
	if err != nil {
		return "", fmt.Errorf("%w: failed to compute hash: %w", ErrHashFailure, err)
	}
	return Format(ph.GetHash()), nil
}

// Format encodes hash words as big-endian hex
func Format(words []uint64) string {
	buf := make([]byte, 0, len(words)*16)
	for _, w := range words {
		s := strconv.FormatUint(w, 16)
		for i := len(s); i < 16; i++ {
			buf = append(buf, '0')
		}
		buf = append(buf, s...)
	}
	return string(buf)
}

// Parse decodes a hex hash produced by Format
func Parse(s string) ([]uint64, error) {
	if len(s) != HexLen {
		return nil, fmt.Errorf("invalid hash length %d, want %d", len(s), HexLen)
	}
	out := make([]uint64, words)
	for i := range out {
		w, err := strconv.ParseUint(s[i*16:(i+1)*16], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid hash: %w", err)
		}
		out[i] = w
	}
	return out, nil
}

// HammingDistance counts differing bits between two hashes of equal length
func HammingDistance(a, b []uint64) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	count := 0
	for i := 0; i < n; i++ {
		count += bits.OnesCount64(a[i] ^ b[i])
	}
	// Missing words count as fully different
	count += 64 * (max(len(a), len(b)) - n)
	return count
}

// Distance parses two hex hashes and returns their Hamming distance
func Distance(a, b string) (int, error) {
	ha, err := Parse(a)
	if err != nil {
		return 0, err
	}
	hb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return HammingDistance(ha, hb), nil
}

// SimilarityPercent maps a distance over Bits to 0..100
func SimilarityPercent(distance int) int {
	return int(math.Round(100 * (1 - float64(distance)/Bits)))
}
