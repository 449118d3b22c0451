// Package storage keeps scan history, user edits and analysis results in
// SQLite so they survive between runs. Rows are keyed by representative path.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"scenegrouper/internal/models"
)

// Storage handles persistence of edits and analysis results
type Storage struct {
	db     *sql.DB
	dbPath string
}

// ScanRecord is one row of scan history
type ScanRecord struct {
	ID              int64
	Folder          string
	ScannedAt       time.Time
	TotalFiles      int
	TotalClusters   int
	TotalGroups     int
	PreviewFailures int
}

// AnalysisRecord is a stored analysis result
type AnalysisRecord struct {
	MainRep    string
	GroupID    string
	Provider   string
	Model      string
	Result     *models.AnalysisResult
	AnalyzedAt time.Time
}

// NewStorage opens or creates the database at dbPath
func NewStorage(dbPath string) (*Storage, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers; sqlite locks the file anyway
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, dbPath: dbPath}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// DefaultPath returns ~/.scenegrouper/scenegrouper.db
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "scenegrouper.db"
	}
	return filepath.Join(home, ".scenegrouper", "scenegrouper.db")
}

// migrations after the base schema. Each must be safe to run twice.
var migrations = []struct {
	version     int
	description string
	up          string
	// skip reports that the change is already present
	skip func(s *Storage) bool
}{
	{
		version:     1,
		description: "Initial schema",
	},
	{
		version:     2,
		description: "Add provider column to analyses",
		up:          `ALTER TABLE analyses ADD COLUMN provider TEXT NOT NULL DEFAULT ''`,
		skip:        func(s *Storage) bool { return s.columnExists("analyses", "provider") },
	},
	{
		version:     3,
		description: "Index analyses by group id",
		up:          `CREATE INDEX IF NOT EXISTS idx_analyses_group_id ON analyses(group_id)`,
	},
}

func (s *Storage) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS scan_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		folder TEXT NOT NULL,
		scanned_at DATETIME NOT NULL,
		total_files INTEGER NOT NULL,
		total_clusters INTEGER NOT NULL,
		total_groups INTEGER NOT NULL,
		preview_failures INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS cluster_edits (
		representative TEXT PRIMARY KEY,
		keywords TEXT NOT NULL DEFAULT '[]',
		latitude REAL,
		longitude REAL,
		gps_source TEXT NOT NULL DEFAULT '',
		custom_prompt TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS analyses (
		main_rep TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		model TEXT NOT NULL,
		result TEXT NOT NULL,
		analyzed_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if err := s.migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *Storage) migrate() error {
	current := s.SchemaVersion()

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if m.up != "" && (m.skip == nil || !m.skip(s)) {
			if _, err := s.db.Exec(m.up); err != nil {
				return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
			}
		}
		if err := s.setSchemaVersion(m.version); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration
func (s *Storage) SchemaVersion() int {
	var version int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0
	}
	return version
}

func (s *Storage) setSchemaVersion(version int) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("failed to record schema version %d: %w", version, err)
	}
	return nil
}

func (s *Storage) columnExists(table, column string) bool {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?
	`, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// RecordScan appends a scan to the history
func (s *Storage) RecordScan(r ScanRecord) error {
	if r.ScannedAt.IsZero() {
		r.ScannedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO scan_history (folder, scanned_at, total_files, total_clusters, total_groups, preview_failures)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.Folder, r.ScannedAt.UTC(), r.TotalFiles, r.TotalClusters, r.TotalGroups, r.PreviewFailures)
	if err != nil {
		return fmt.Errorf("failed to record scan: %w", err)
	}
	return nil
}

// ScanHistory returns the latest scans, newest first
func (s *Storage) ScanHistory(limit int) ([]ScanRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, folder, scanned_at, total_files, total_clusters, total_groups, preview_failures
		FROM scan_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan history: %w", err)
	}
	defer rows.Close()

	var out []ScanRecord
	for rows.Next() {
		var r ScanRecord
		if err := rows.Scan(&r.ID, &r.Folder, &r.ScannedAt, &r.TotalFiles, &r.TotalClusters, &r.TotalGroups, &r.PreviewFailures); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveEdit upserts the edits of one cluster. An empty edit deletes the row.
func (s *Storage) SaveEdit(e models.ClusterEdit) error {
	if e.IsEmpty() {
		_, err := s.db.Exec(`DELETE FROM cluster_edits WHERE representative = ?`, e.Representative)
		if err != nil {
			return fmt.Errorf("failed to delete edit for %s: %w", e.Representative, err)
		}
		return nil
	}

	keywords, err := json.Marshal(nonNil(e.Keywords))
	if err != nil {
		return fmt.Errorf("failed to encode keywords: %w", err)
	}

	var lat, lon sql.NullFloat64
	var source string
	if e.GPS != nil {
		lat = sql.NullFloat64{Float64: e.GPS.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: e.GPS.Longitude, Valid: true}
		source = string(e.GPS.Source)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO cluster_edits (representative, keywords, latitude, longitude, gps_source, custom_prompt, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Representative, string(keywords), lat, lon, source, e.CustomPrompt, e.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save edit for %s: %w", e.Representative, err)
	}
	return nil
}

// GetEdits returns every stored edit ordered by representative
func (s *Storage) GetEdits() ([]models.ClusterEdit, error) {
	rows, err := s.db.Query(`
		SELECT representative, keywords, latitude, longitude, gps_source, custom_prompt, updated_at
		FROM cluster_edits
		ORDER BY representative
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query edits: %w", err)
	}
	defer rows.Close()

	var out []models.ClusterEdit
	for rows.Next() {
		var e models.ClusterEdit
		var keywords, source string
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&e.Representative, &keywords, &lat, &lon, &source, &e.CustomPrompt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(keywords), &e.Keywords); err != nil {
			return nil, fmt.Errorf("failed to decode keywords of %s: %w", e.Representative, err)
		}
		if lat.Valid && lon.Valid {
			e.GPS = &models.GPS{Latitude: lat.Float64, Longitude: lon.Float64, Source: models.GPSSource(source)}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveAnalysis upserts the analysis of the group led by r.MainRep
func (s *Storage) SaveAnalysis(r AnalysisRecord) error {
	if r.Result == nil {
		return errors.New("analysis record without result")
	}
	result, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if r.AnalyzedAt.IsZero() {
		r.AnalyzedAt = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO analyses (main_rep, group_id, provider, model, result, analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.MainRep, r.GroupID, r.Provider, r.Model, string(result), r.AnalyzedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save analysis for %s: %w", r.MainRep, err)
	}
	return nil
}

// GetAnalysis returns the analysis of mainRep, nil when there is none
func (s *Storage) GetAnalysis(mainRep string) (*AnalysisRecord, error) {
	row := s.db.QueryRow(`
		SELECT main_rep, group_id, provider, model, result, analyzed_at
		FROM analyses WHERE main_rep = ?
	`, mainRep)
	r, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// GetAnalyses returns every stored analysis ordered by main representative
func (s *Storage) GetAnalyses() ([]*AnalysisRecord, error) {
	rows, err := s.db.Query(`
		SELECT main_rep, group_id, provider, model, result, analyzed_at
		FROM analyses
		ORDER BY main_rep
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query analyses: %w", err)
	}
	defer rows.Close()

	var out []*AnalysisRecord
	for rows.Next() {
		r, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AnalyzedSet returns the main representatives that have a stored analysis
func (s *Storage) AnalyzedSet() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT main_rep FROM analyses`)
	if err != nil {
		return nil, fmt.Errorf("failed to query analyses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[p] = true
	}
	return out, rows.Err()
}

// DeleteAnalysis removes the analysis of mainRep
func (s *Storage) DeleteAnalysis(mainRep string) error {
	_, err := s.db.Exec(`DELETE FROM analyses WHERE main_rep = ?`, mainRep)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (*AnalysisRecord, error) {
	var r AnalysisRecord
	var result string
	if err := row.Scan(&r.MainRep, &r.GroupID, &r.Provider, &r.Model, &result, &r.AnalyzedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	r.Result = &models.AnalysisResult{}
	if err := json.Unmarshal([]byte(result), r.Result); err != nil {
		return nil, fmt.Errorf("failed to decode result of %s: %w", r.MainRep, err)
	}
	return &r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
