package align

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const recordColumns = `record_id, run_id, sample_id, status, stage, failure,
	num_points_a, num_points_b, num_keypoints_a, num_keypoints_b,
	num_candidates, num_inliers, num_gt_inliers, gt_inlier_ratio,
	fitness, inlier_rmse, icp_status, icp_iterations,
	has_reference, rotation_deg, translation_norm, transform_json,
	elapsed_ms, created_at`

// RecordStore persists registration records in sqlite
type RecordStore struct {
	db *sql.DB
}

// OpenRecordStore opens (or creates) the database at path and applies the schema
func OpenRecordStore(path string) (*RecordStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create record store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	s := NewRecordStore(db)
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	Logf("[STORE] opened %s", path)
	return s, nil
}

// NewRecordStore wraps an open database
func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db}
}

// Migrate creates the tables if they do not exist
func (s *RecordStore) Migrate() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// Insert persists a record. Empty RecordID and CreatedAt are filled in.
func (s *RecordStore) Insert(r *Record) error {
	if r.RecordID == "" {
		r.RecordID = uuid.New().String()
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixNano()
	}
	transform, err := json.Marshal(r.Transform)
	if err != nil {
		return fmt.Errorf("marshal transform: %w", err)
	}

	var failure, icpStatus interface{}
	if r.Failure != "" {
		failure = r.Failure
	}
	if r.ICPStatus != "" {
		icpStatus = string(r.ICPStatus)
	}

	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO registration_records (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RecordID, r.RunID, r.SampleID, r.Status, string(r.Stage), failure,
			r.NumPointsA, r.NumPointsB, r.NumKeypointsA, r.NumKeypointsB,
			r.NumCandidates, r.NumInliers, r.NumGTInliers, r.GTInlierRatio,
			r.Fitness, r.InlierRMSE, icpStatus, r.ICPIterations,
			r.HasReference, r.RotationDeg, r.TranslationNorm, string(transform),
			r.ElapsedMS, r.CreatedAt,
		)
		return err
	})
}

// ListByRun returns the records of a run in insertion order
func (s *RecordStore) ListByRun(runID string) ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT `+recordColumns+`
		FROM registration_records
		WHERE run_id = ?
		ORDER BY created_at ASC, sample_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Get returns a single record by ID
func (s *RecordStore) Get(recordID string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT `+recordColumns+`
		FROM registration_records
		WHERE record_id = ?`, recordID)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record %s not found", recordID)
		}
		return nil, err
	}
	return r, nil
}

// RunInfo summarises a stored run
type RunInfo struct {
	RunID     string `json:"run_id"`
	Samples   int    `json:"samples"`
	Failed    int    `json:"failed"`
	StartedAt int64  `json:"started_at"`
}

// ListRuns returns stored runs, most recent first
func (s *RecordStore) ListRuns() ([]RunInfo, error) {
	rows, err := s.db.Query(`
		SELECT run_id, COUNT(*), SUM(CASE WHEN status != ? THEN 1 ELSE 0 END), MIN(created_at)
		FROM registration_records
		GROUP BY run_id
		ORDER BY MIN(created_at) DESC`, StatusOK)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		var ri RunInfo
		if err := rows.Scan(&ri.RunID, &ri.Samples, &ri.Failed, &ri.StartedAt); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, ri)
	}
	return runs, rows.Err()
}

// DeleteRun removes every record of a run
func (s *RecordStore) DeleteRun(runID string) error {
	return retryOnBusy(func() error {
		result, err := s.db.Exec(`DELETE FROM registration_records WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("run %s not found", runID)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	var stage, transform string
	var failure, icpStatus sql.NullString
	err := row.Scan(
		&r.RecordID, &r.RunID, &r.SampleID, &r.Status, &stage, &failure,
		&r.NumPointsA, &r.NumPointsB, &r.NumKeypointsA, &r.NumKeypointsB,
		&r.NumCandidates, &r.NumInliers, &r.NumGTInliers, &r.GTInlierRatio,
		&r.Fitness, &r.InlierRMSE, &icpStatus, &r.ICPIterations,
		&r.HasReference, &r.RotationDeg, &r.TranslationNorm, &transform,
		&r.ElapsedMS, &r.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan record row: %w", err)
	}
	r.Stage = Stage(stage)
	r.Failure = failure.String
	r.ICPStatus = ICPStatus(icpStatus.String)
	if err := json.Unmarshal([]byte(transform), &r.Transform); err != nil {
		return nil, fmt.Errorf("decode transform of %s: %w", r.RecordID, err)
	}
	return &r, nil
}

// isSQLiteBusy reports whether err is a transient lock error
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy runs fn, retrying with a growing delay while sqlite reports
// the database as locked.
func retryOnBusy(fn func() error) error {
	const attempts = 5
	delay := 10 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); !isSQLiteBusy(err) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}
