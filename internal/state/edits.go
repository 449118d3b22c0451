package state

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"scenegrouper/internal/models"
)

// SetKeywords replaces the keyword list of a cluster. Entries are trimmed,
// empties dropped, and case-insensitive repeats collapsed to the first.
func (s *Store) SetKeywords(clusterID string, keywords []string) error {
	s.mu.Lock()
	c, err := s.cluster(clusterID)
	if err == nil {
		c.Keywords = NormalizeKeywords(keywords)
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.changed(clusterID)
	return nil
}

// AddKeyword appends one keyword
func (s *Store) AddKeyword(clusterID, keyword string) error {
	kw := strings.TrimSpace(keyword)
	if kw == "" {
		return ErrEmptyKeyword
	}

	s.mu.Lock()
	c, err := s.cluster(clusterID)
	if err == nil {
		if indexOfKeyword(c.Keywords, kw) >= 0 {
			err = fmt.Errorf("%w: %q", ErrDuplicateKeyword, kw)
		} else {
			c.Keywords = append(c.Keywords, kw)
		}
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.changed(clusterID)
	return nil
}

// RemoveKeyword deletes one keyword
func (s *Store) RemoveKeyword(clusterID, keyword string) error {
	kw := strings.TrimSpace(keyword)
	if kw == "" {
		return ErrEmptyKeyword
	}

	s.mu.Lock()
	c, err := s.cluster(clusterID)
	if err == nil {
		i := indexOfKeyword(c.Keywords, kw)
		if i < 0 {
			err = fmt.Errorf("%w: %q", ErrKeywordNotFound, kw)
		} else {
			c.Keywords = append(c.Keywords[:i:i], c.Keywords[i+1:]...)
		}
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.changed(clusterID)
	return nil
}

// RenameKeyword replaces oldKeyword with newKeyword in place
func (s *Store) RenameKeyword(clusterID, oldKeyword, newKeyword string) error {
	from := strings.TrimSpace(oldKeyword)
	to := strings.TrimSpace(newKeyword)
	if from == "" || to == "" {
		return ErrEmptyKeyword
	}

	s.mu.Lock()
	c, err := s.cluster(clusterID)
	if err == nil {
		i := indexOfKeyword(c.Keywords, from)
		j := indexOfKeyword(c.Keywords, to)
		switch {
		case i < 0:
			err = fmt.Errorf("%w: %q", ErrKeywordNotFound, from)
		case j >= 0 && j != i:
			err = fmt.Errorf("%w: %q", ErrDuplicateKeyword, to)
		default:
			c.Keywords[i] = to
		}
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.changed(clusterID)
	return nil
}

// SetGPS parses "lat, lon" and stores it as a manual location
func (s *Store) SetGPS(clusterID, input string) (*models.GPS, error) {
	gps, err := ParseGPS(input)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	c, err := s.cluster(clusterID)
	if err == nil {
		c.GPS = gps
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s.changed(clusterID)
	out := *gps
	return &out, nil
}

// ClearGPS removes the location of a cluster
func (s *Store) ClearGPS(clusterID string) error {
	s.mu.Lock()
	c, err := s.cluster(clusterID)
	if err == nil {
		c.GPS = nil
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.changed(clusterID)
	return nil
}

// SetCustomPrompt overrides the analysis prompt of a group. The prompt is
// kept on the main representative so it survives regrouping. A blank prompt
// clears the override.
func (s *Store) SetCustomPrompt(groupID, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return s.ClearCustomPrompt(groupID)
	}

	s.mu.Lock()
	r, err := s.group(groupID)
	var main string
	if err == nil {
		main = r.main
		s.byID[main].CustomPrompt = prompt
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.changed(main)
	return nil
}

// ClearCustomPrompt reverts a group to the default prompt
func (s *Store) ClearCustomPrompt(groupID string) error {
	s.mu.Lock()
	r, err := s.group(groupID)
	var main string
	if err == nil {
		main = r.main
		s.byID[main].CustomPrompt = ""
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.changed(main)
	return nil
}

// Edit returns the user-editable state of a cluster
func (s *Store) Edit(clusterID string) (models.ClusterEdit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.cluster(clusterID)
	if err != nil {
		return models.ClusterEdit{}, err
	}
	e := models.ClusterEdit{
		Representative: c.Representative,
		Keywords:       append([]string(nil), c.Keywords...),
		CustomPrompt:   c.CustomPrompt,
		UpdatedAt:      time.Now().UTC(),
	}
	if c.GPS != nil {
		gps := *c.GPS
		e.GPS = &gps
	}
	return e, nil
}

// ApplyEdit restores a saved edit onto the cluster it names. Edits for
// representatives that are no longer present return ErrClusterNotFound.
func (s *Store) ApplyEdit(e models.ClusterEdit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.cluster(e.Representative)
	if err != nil {
		return err
	}
	var gps *models.GPS
	if e.GPS != nil {
		if err := validateCoordinates(e.GPS.Latitude, e.GPS.Longitude); err != nil {
			return err
		}
		g := *e.GPS
		gps = &g
	}
	c.Keywords = NormalizeKeywords(e.Keywords)
	c.CustomPrompt = e.CustomPrompt
	c.GPS = gps
	return nil
}

// NormalizeKeywords trims, drops empties and removes case-insensitive repeats
func NormalizeKeywords(keywords []string) []string {
	trimmed := lo.FilterMap(keywords, func(k string, _ int) (string, bool) {
		k = strings.TrimSpace(k)
		return k, k != ""
	})
	return lo.UniqBy(trimmed, strings.ToLower)
}

func indexOfKeyword(keywords []string, kw string) int {
	_, i, ok := lo.FindIndexOf(keywords, func(k string) bool {
		return strings.EqualFold(k, kw)
	})
	if !ok {
		return -1
	}
	return i
}

// ParseGPS parses "lat, lon" in decimal degrees
func ParseGPS(input string) (*models.GPS, error) {
	parts := strings.Split(input, ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: expected \"latitude, longitude\", got %q", ErrInvalidGPS, input)
	}

	lat, err := parseCoordinate(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: latitude: %w", ErrInvalidGPS, err)
	}
	lon, err := parseCoordinate(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: longitude: %w", ErrInvalidGPS, err)
	}
	if err := validateCoordinates(lat, lon); err != nil {
		return nil, err
	}

	return &models.GPS{Latitude: lat, Longitude: lon, Source: models.GPSSourceManual}, nil
}

func parseCoordinate(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number: %q", s)
	}
	return v, nil
}

func validateCoordinates(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range [-90, 90]", ErrInvalidGPS, lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range [-180, 180]", ErrInvalidGPS, lon)
	}
	return nil
}
