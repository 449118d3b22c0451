package classify

import "testing"

func TestIsDerivative(t *testing.T) {
	tests := []struct {
		name     string
		expected bool
	}{
		{"IMG_010_adj.tif", true},
		{"IMG_010_ADJ.TIF", true},
		{"IMG_010_edit.jpg", true},
		{"IMG_010-1.tif", true},
		{"IMG_010-12.psd", true},
		{"IMG_010_v2.jpg", true},
		{"IMG_010 (2).jpg", true},
		{"IMG_010_adj-2.tif", true},
		{"IMG_010_adj.CR2", false}, // raw is never a derivative
		{"IMG_010.tif", false},
		{"IMG_010.CR2", false},
		{"IMG-1234.jpg", false},
		{"IMG_001.CR2", false},
		{"-1.jpg", false},
		{"notes_edit.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDerivative(tt.name); got != tt.expected {
				t.Errorf("IsDerivative(%q) = %v, want %v", tt.name, got, tt.expected)
			}
		})
	}
}

func TestIsBaseImage(t *testing.T) {
	tests := []struct {
		name     string
		expected bool
	}{
		{"IMG_001.CR2", true},
		{"IMG_001.cr3", true},
		{"DSC_0001.NEF", true},
		{"photo.ARW", true},
		{"photo.dng", true},
		{"photo.raf", true},
		{"photo.orf", true},
		{"photo.rw2", true},
		{"photo.pef", true},
		{"photo.erf", true},
		{"IMG_001.jpg", true},
		{"IMG_001.tiff", true},
		{"IMG_001.psb", true},
		{"IMG_001.png", true},
		{"IMG_001_adj.tif", false},
		{"IMG_001_edit.CR2", false},
		{"movie.mp4", false},
		{"noextension", false},
		{"/path/to/IMG_002.CR2", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsBaseImage(tt.name); got != tt.expected {
				t.Errorf("IsBaseImage(%q) = %v, want %v", tt.name, got, tt.expected)
			}
		})
	}
}

func TestBaseName(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"IMG_010_adj.tif", "img_010"},
		{"IMG_010.CR2", "img_010"},
		{"/a/b/IMG_010_adj-2.tif", "img_010"},
		{"IMG_010_Edit_v3.jpg", "img_010"},
		{"IMG_010 (1).jpg", "img_010"},
		{"IMG-1234.jpg", "img-1234"},
		{"_adj.jpg", "_adj"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BaseName(tt.name); got != tt.expected {
				t.Errorf("BaseName(%q) = %q, want %q", tt.name, got, tt.expected)
			}
		})
	}
}

func TestIsRawAndProcessed(t *testing.T) {
	if !IsRaw("a.CR3") || IsRaw("a.jpg") {
		t.Error("IsRaw misclassified")
	}
	if !IsProcessed("a.PSD") || IsProcessed("a.nef") {
		t.Error("IsProcessed misclassified")
	}
}
