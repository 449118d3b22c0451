// Package classify decides whether a filename is a base image or an edited
// derivative and extracts the canonical base name shared by both.
package classify

import (
	"path/filepath"
	"regexp"
	"strings"
)

var rawExts = map[string]bool{
	".cr2": true, ".cr3": true, ".nef": true, ".arw": true, ".dng": true,
	".raf": true, ".orf": true, ".rw2": true, ".pef": true, ".erf": true,
}

var processedExts = map[string]bool{
	".tif": true, ".tiff": true, ".jpg": true, ".jpeg": true,
	".png": true, ".psd": true, ".psb": true,
}

// derivativeSuffix matches one editor suffix at the end of a lowercased stem.
// Numeric "-N" tags are limited to two digits so camera names like IMG-1234 stay bases.
var derivativeSuffix = regexp.MustCompile(
	`(?:[_ -](?:adj|adjusted|edit|edited|hdr|pano|panorama|enhanced|enhanced-nr|nr|dxo|topaz|retouch|retouched|final|export|copy)` +
		`|[_-]v\d{1,3}` +
		`|-\d{1,2}` +
		`| \(\d{1,3}\))$`)

// IsRaw reports whether the extension is a camera raw format
func IsRaw(name string) bool {
	return rawExts[ext(name)]
}

// IsProcessed reports whether the extension is a processed raster format
func IsProcessed(name string) bool {
	return processedExts[ext(name)]
}

// IsSupported reports whether the extension is raw or processed
func IsSupported(name string) bool {
	return IsRaw(name) || IsProcessed(name)
}

// IsDerivative reports whether name is an edited export of some base image
func IsDerivative(name string) bool {
	return IsProcessed(name) && hasDerivativeSuffix(stem(name))
}

// IsBaseImage reports whether name is an original capture
func IsBaseImage(name string) bool {
	return IsSupported(name) && !hasDerivativeSuffix(stem(name))
}

// BaseName strips every recognized derivative suffix from the lowercased stem.
func BaseName(name string) string {
	s := stem(name)
	for {
		loc := derivativeSuffix.FindStringIndex(s)
		if loc == nil || loc[0] == 0 {
			return s
		}
		s = s[:loc[0]]
	}
}

func hasDerivativeSuffix(s string) bool {
	loc := derivativeSuffix.FindStringIndex(s)
	// A bare suffix with nothing before it ("-1.jpg") has no base to derive from
	return loc != nil && loc[0] > 0
}

func stem(name string) string {
	base := strings.ToLower(filepath.Base(name))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func ext(name string) string {
	return strings.ToLower(filepath.Ext(name))
}
