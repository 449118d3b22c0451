// Package cluster collapses exposure brackets into clusters by capture time.
package cluster

import (
	"time"

	"scenegrouper/internal/models"
)

// DefaultThreshold is the maximum gap between consecutive captures of one bracket
const DefaultThreshold = 5 * time.Second

// Clusterer partitions base images by capture-time proximity
type Clusterer struct {
	threshold time.Duration
}

// NewClusterer creates a Clusterer. A negative threshold selects the default.
func NewClusterer(threshold time.Duration) *Clusterer {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	return &Clusterer{threshold: threshold}
}

// Threshold returns the bracket window
func (c *Clusterer) Threshold() time.Duration {
	return c.threshold
}

// Build walks bases in scan order. A base joins the open cluster when both it
// and the previous base have timestamps no more than the threshold apart.
// A base without a timestamp always forms its own cluster. The first member
// of each cluster is its representative.
func (c *Clusterer) Build(bases []models.ImageRef, derivatives map[string][]models.ImageRef) []*models.Cluster {
	var clusters []*models.Cluster
	var open *models.Cluster
	var prev *models.ImageRef

	for i := range bases {
		b := &bases[i]
		if open != nil && prev != nil && c.joins(prev, b) {
			open.ImagePaths = append(open.ImagePaths, b.Path)
		} else {
			open = &models.Cluster{
				Representative: b.Path,
				ImagePaths:     []string{b.Path},
			}
			clusters = append(clusters, open)
		}
		if b.HasTimestamp() {
			prev = b
		} else {
			// Nothing may follow a cluster opened by an undated image
			prev = nil
		}
	}

	for _, cl := range clusters {
		cl.IsBracketed = len(cl.ImagePaths) > 1
		cl.Derivatives = []models.ImageRef{}
		for _, p := range cl.ImagePaths {
			cl.Derivatives = append(cl.Derivatives, derivatives[p]...)
		}
	}

	return clusters
}

func (c *Clusterer) joins(prev, cur *models.ImageRef) bool {
	if !prev.HasTimestamp() || !cur.HasTimestamp() {
		return false
	}
	gap := cur.CaptureTime.Sub(*prev.CaptureTime)
	if gap < 0 {
		gap = -gap
	}
	return gap <= c.threshold
}
