package storage

import (
	"errors"
	"fmt"

	"scenegrouper/internal/models"
	"scenegrouper/internal/state"
)

// RestoreEdits applies stored edits to the clusters of store. Edits of
// representatives not present in this run are left in the database.
func (s *Storage) RestoreEdits(store *state.Store) (int, error) {
	edits, err := s.GetEdits()
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, e := range edits {
		err := store.ApplyEdit(e)
		if errors.Is(err, state.ErrClusterNotFound) {
			continue
		}
		if err != nil {
			return restored, fmt.Errorf("failed to restore edit of %s: %w", e.Representative, err)
		}
		restored++
	}
	return restored, nil
}

// RestoreAnalyses installs stored results on the groups led by the same main
// representative as when they were analyzed
func (s *Storage) RestoreAnalyses(store *state.Store) (int, error) {
	records, err := s.GetAnalyses()
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, r := range records {
		if _, err := store.SetAnalysisResultForMainRep(r.MainRep, r.Result); err != nil {
			if errors.Is(err, state.ErrGroupNotFound) {
				continue
			}
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// PersistEdit saves one edit, for use as a state change hook
func (s *Storage) PersistEdit(onError func(e models.ClusterEdit, err error)) func(models.ClusterEdit) {
	return func(e models.ClusterEdit) {
		if err := s.SaveEdit(e); err != nil && onError != nil {
			onError(e, err)
		}
	}
}
