// Package state owns the editable cluster and super-group collections.
//
// Clusters are the single source of truth. Super-groups are stored as
// membership records over cluster ids, and every view handed out is built
// from those records on demand, so the flat and grouped projections can not
// drift apart. All methods are safe for concurrent use; writes are serialized.
package state

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"scenegrouper/internal/models"
)

var (
	ErrInvalidGPS       = errors.New("invalid gps")
	ErrGroupNotFound    = errors.New("group not found")
	ErrClusterNotFound  = errors.New("cluster not found")
	ErrDuplicateKeyword = errors.New("duplicate keyword")
	ErrKeywordNotFound  = errors.New("keyword not found")
	ErrEmptyKeyword     = errors.New("empty keyword")
	ErrNotSimilarMember = errors.New("cluster is not a similar member of the group")
	ErrSameGroup        = errors.New("cannot merge a group into itself")
	ErrPartition        = errors.New("clusters are not partitioned by groups")
)

type similarEntry struct {
	clusterID string
	percent   int
}

type groupRecord struct {
	id          string
	main        string
	similar     []similarEntry
	connections int
}

// Store is the single owner of clusters, groups and analysis results
type Store struct {
	mu sync.RWMutex

	clusters []*models.Cluster
	byID     map[string]*models.Cluster
	groups   []*groupRecord

	// Keyed by main representative path so results follow the scene, not the group id
	results map[string]*models.AnalysisResult

	logger   *zap.Logger
	onChange func(edit models.ClusterEdit)
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithChangeHook registers fn to be called with the new edit state after any
// cluster edit. It runs outside the store lock.
func WithChangeHook(fn func(edit models.ClusterEdit)) Option {
	return func(s *Store) {
		s.onChange = fn
	}
}

// NewStore creates an empty Store
func NewStore(opts ...Option) *Store {
	s := &Store{
		byID:    make(map[string]*models.Cluster),
		results: make(map[string]*models.AnalysisResult),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Replace installs a freshly built collection, taking ownership of the
// clusters. Results already attached to groups are kept. The previous state
// is discarded only if the new one is a valid partition.
func (s *Store) Replace(clusters []*models.Cluster, groups []*models.SuperGroup) error {
	byID := make(map[string]*models.Cluster, len(clusters))
	for _, c := range clusters {
		if _, dup := byID[c.ID()]; dup {
			return fmt.Errorf("%w: duplicate cluster %s", ErrPartition, c.ID())
		}
		byID[c.ID()] = c
	}

	records := make([]*groupRecord, 0, len(groups))
	results := make(map[string]*models.AnalysisResult)
	for _, g := range groups {
		r := &groupRecord{
			id:          g.ID,
			main:        g.MainRep.ID(),
			connections: g.ConnectionCount,
		}
		for _, sr := range g.SimilarReps {
			r.similar = append(r.similar, similarEntry{clusterID: sr.Cluster.ID(), percent: sr.SimilarityPercent})
		}
		if g.Result != nil {
			results[r.main] = g.Result.Clone()
		}
		records = append(records, r)
	}

	if err := checkPartition(byID, records); err != nil {
		return err
	}

	s.mu.Lock()
	s.clusters = clusters
	s.byID = byID
	s.groups = records
	s.results = results
	s.mu.Unlock()

	s.logger.Debug("state replaced", zap.Int("clusters", len(clusters)), zap.Int("groups", len(records)))
	return nil
}

// Clusters returns copies of all clusters in scan order
func (s *Store) Clusters() []*models.Cluster {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Cluster, len(s.clusters))
	for i, c := range s.clusters {
		out[i] = c.Clone()
	}
	return out
}

// Cluster returns a copy of one cluster
func (s *Store) Cluster(id string) (*models.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, id)
	}
	return c.Clone(), nil
}

// Groups returns a view of every super-group
func (s *Store) Groups() []*models.SuperGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.SuperGroup, len(s.groups))
	for i, r := range s.groups {
		out[i] = s.view(r)
	}
	return out
}

// Group returns a view of one super-group
func (s *Store) Group(id string) (*models.SuperGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := s.group(id)
	if err != nil {
		return nil, err
	}
	return s.view(r), nil
}

// GroupByMainRep finds the group currently led by the cluster at path
func (s *Store) GroupByMainRep(path string) (*models.SuperGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.groups {
		if r.main == path {
			return s.view(r), nil
		}
	}
	return nil, fmt.Errorf("%w: no group led by %s", ErrGroupNotFound, path)
}

// Len returns the number of clusters and groups
func (s *Store) Len() (clusters, groups int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clusters), len(s.groups)
}

// CheckPartition verifies that every cluster is in exactly one group
func (s *Store) CheckPartition() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return checkPartition(s.byID, s.groups)
}

func checkPartition(byID map[string]*models.Cluster, groups []*groupRecord) error {
	seen := make(map[string]string, len(byID))
	visit := func(groupID, clusterID string) error {
		if _, ok := byID[clusterID]; !ok {
			return fmt.Errorf("%w: group %s references unknown cluster %s", ErrPartition, groupID, clusterID)
		}
		if other, dup := seen[clusterID]; dup {
			return fmt.Errorf("%w: cluster %s in groups %s and %s", ErrPartition, clusterID, other, groupID)
		}
		seen[clusterID] = groupID
		return nil
	}

	for _, g := range groups {
		if err := visit(g.id, g.main); err != nil {
			return err
		}
		for _, e := range g.similar {
			if err := visit(g.id, e.clusterID); err != nil {
				return err
			}
		}
	}
	if len(seen) != len(byID) {
		return fmt.Errorf("%w: %d clusters but %d grouped", ErrPartition, len(byID), len(seen))
	}
	return nil
}

func (s *Store) group(id string) (*groupRecord, error) {
	for _, r := range s.groups {
		if r.id == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
}

func (s *Store) cluster(id string) (*models.Cluster, error) {
	c, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, id)
	}
	return c, nil
}

func (s *Store) view(r *groupRecord) *models.SuperGroup {
	g := &models.SuperGroup{
		ID:              r.id,
		MainRep:         s.byID[r.main].Clone(),
		SimilarReps:     make([]models.SimilarRep, 0, len(r.similar)),
		ConnectionCount: r.connections,
	}
	for _, e := range r.similar {
		g.SimilarReps = append(g.SimilarReps, models.SimilarRep{
			Cluster:           s.byID[e.clusterID].Clone(),
			SimilarityPercent: e.percent,
		})
	}
	if res, ok := s.results[r.main]; ok {
		g.Result = res.Clone()
	}
	return g
}

func (s *Store) changed(clusterID string) {
	if s.onChange == nil {
		return
	}
	if e, err := s.Edit(clusterID); err == nil {
		s.onChange(e)
	}
}
