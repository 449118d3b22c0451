package preview

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os/exec"
	"strings"

	"golang.org/x/image/tiff"
)

// Dcraw develops raw files with dcraw, asking for a TIFF on stdout.
// dcraw's own rotation is disabled (-t 0) so orientation is applied once,
// by the generator, like every other format.
type Dcraw struct {
	BinPath string
}

// NewDcraw returns a converter using binPath, or "dcraw" from PATH
func NewDcraw(binPath string) *Dcraw {
	if binPath == "" {
		binPath = "dcraw"
	}
	return &Dcraw{BinPath: binPath}
}

// Args returns the dcraw arguments for path: camera white balance, sRGB
// output, no flip, TIFF to stdout.
func (d *Dcraw) Args(path string) []string {
	return []string{"-c", "-w", "-o", "1", "-t", "0", "-T", path}
}

// Convert runs dcraw and decodes its output
func (d *Dcraw) Convert(ctx context.Context, path string) (image.Image, error) {
	cmd := exec.CommandContext(ctx, d.BinPath, d.Args(path)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("dcraw failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("dcraw produced no output for %s", path)
	}

	img, err := tiff.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to decode dcraw output: %w", err)
	}
	return img, nil
}
