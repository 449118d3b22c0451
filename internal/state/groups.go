package state

import (
	"fmt"

	"go.uber.org/zap"

	"scenegrouper/internal/match"
	"scenegrouper/internal/models"
)

// ExtractToNewParent moves a similar member out of its group into a new
// singleton group appended at the end.
func (s *Store) ExtractToNewParent(groupID, clusterID string) (*models.SuperGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.group(groupID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i, e := range r.similar {
		if e.clusterID == clusterID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotSimilarMember, clusterID, groupID)
	}

	r.similar = append(r.similar[:idx:idx], r.similar[idx+1:]...)
	if r.connections > 0 {
		r.connections--
	}

	nr := &groupRecord{id: match.GroupID(clusterID), main: clusterID}
	s.groups = append(s.groups, nr)

	s.logger.Debug("extracted cluster", zap.String("group", groupID), zap.String("cluster", clusterID))
	return s.view(nr), nil
}

// MergeGroups moves every cluster of source into target as similar members.
// Similarity to the target main rep is recomputed from the stored hashes.
func (s *Store) MergeGroups(targetID, sourceID string) (*models.SuperGroup, error) {
	if targetID == sourceID {
		return nil, ErrSameGroup
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.group(targetID)
	if err != nil {
		return nil, err
	}
	source, err := s.group(sourceID)
	if err != nil {
		return nil, err
	}

	mainHash := s.byID[target.main].Hash
	moved := append([]string{source.main}, similarIDs(source)...)
	reps := make([]models.SimilarRep, 0, len(target.similar)+len(moved))
	for _, e := range target.similar {
		reps = append(reps, models.SimilarRep{Cluster: s.byID[e.clusterID], SimilarityPercent: e.percent})
	}
	for _, id := range moved {
		c := s.byID[id]
		reps = append(reps, models.SimilarRep{Cluster: c, SimilarityPercent: match.Similarity(mainHash, c.Hash)})
	}
	match.SortSimilarReps(reps)

	target.similar = target.similar[:0]
	for _, sr := range reps {
		target.similar = append(target.similar, similarEntry{clusterID: sr.Cluster.ID(), percent: sr.SimilarityPercent})
	}
	target.connections += len(moved)

	s.removeGroup(sourceID)

	s.logger.Debug("merged groups", zap.String("target", targetID), zap.String("source", sourceID), zap.Int("moved", len(moved)))
	return s.view(target), nil
}

// Regroup recomputes super-groups from the stored cluster hashes. Custom
// prompts and analysis results follow main representatives, so a cluster that
// leads a group again gets its prompt and result back.
func (s *Store) Regroup(threshold int, opts ...match.Option) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := match.NewPerceptualMatcher(threshold, opts...).Group(s.clusters)

	records := make([]*groupRecord, 0, len(groups))
	for _, g := range groups {
		r := &groupRecord{id: g.ID, main: g.MainRep.ID(), connections: g.ConnectionCount}
		for _, sr := range g.SimilarReps {
			r.similar = append(r.similar, similarEntry{clusterID: sr.Cluster.ID(), percent: sr.SimilarityPercent})
		}
		records = append(records, r)
	}
	if err := checkPartition(s.byID, records); err != nil {
		return err
	}
	s.groups = records
	return nil
}

// SetAnalysisResult installs or replaces the result of a group
func (s *Store) SetAnalysisResult(groupID string, result *models.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.group(groupID)
	if err != nil {
		return err
	}
	s.results[r.main] = result.Clone()
	return nil
}

// SetAnalysisResultForMainRep stores a result against whichever group is
// currently led by mainRepPath. It returns ErrGroupNotFound when no group is,
// in which case the result is dropped.
func (s *Store) SetAnalysisResultForMainRep(mainRepPath string, result *models.AnalysisResult) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.groups {
		if r.main == mainRepPath {
			s.results[r.main] = result.Clone()
			return r.id, nil
		}
	}
	return "", fmt.Errorf("%w: no group led by %s", ErrGroupNotFound, mainRepPath)
}

// AnalysisResult returns the result of a group, nil when none
func (s *Store) AnalysisResult(groupID string) (*models.AnalysisResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := s.group(groupID)
	if err != nil {
		return nil, err
	}
	return s.results[r.main].Clone(), nil
}

func (s *Store) removeGroup(id string) {
	for i, r := range s.groups {
		if r.id == id {
			s.groups = append(s.groups[:i:i], s.groups[i+1:]...)
			return
		}
	}
}

func similarIDs(r *groupRecord) []string {
	out := make([]string, len(r.similar))
	for i, e := range r.similar {
		out[i] = e.clusterID
	}
	return out
}
