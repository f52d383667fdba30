package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ShrinkRun is one recorded shrink attempt against an image. Stage is the
// last state the pipeline reached, so a later invocation can tell how unsafe
// the image was left.
type ShrinkRun struct {
	ID           string    `json:"id"`
	ImagePath    string    `json:"image_path"`
	Status       string    `json:"status"`
	Stage        string    `json:"stage"`
	OldFileBytes int64     `json:"old_file_bytes"`
	NewFileBytes int64     `json:"new_file_bytes"`
	Error        *string   `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func InsertRun(ctx context.Context, shrenkDB *sql.DB, run *ShrinkRun) error {
	runID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating run uuid: %w", err)
	}
	now := time.Now().Unix()

	query := `
		INSERT INTO shrink_runs (id, image_path, status, stage, old_file_bytes, new_file_bytes, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = shrenkDB.ExecContext(ctx, query,
		runID.String(), run.ImagePath, run.Status, run.Stage,
		run.OldFileBytes, run.NewFileBytes, run.Error, now)
	if err != nil {
		return fmt.Errorf("inserting shrink run: %w", err)
	}

	run.ID = runID.String()
	run.CreatedAt = time.Unix(now, 0)
	return nil
}

func ListRuns(ctx context.Context, shrenkDB *sql.DB, imagePath string) ([]ShrinkRun, error) {
	query := `
		SELECT id, image_path, status, stage, old_file_bytes, new_file_bytes, error, created_at
		FROM shrink_runs
		WHERE image_path = ?
		ORDER BY created_at, id
	`

	rows, err := shrenkDB.QueryContext(ctx, query, imagePath)
	if err != nil {
		return nil, fmt.Errorf("querying shrink runs: %w", err)
	}
	defer rows.Close()

	var runs []ShrinkRun
	for rows.Next() {
		var run ShrinkRun
		var createdAt int64
		if err := rows.Scan(&run.ID, &run.ImagePath, &run.Status, &run.Stage,
			&run.OldFileBytes, &run.NewFileBytes, &run.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning shrink run: %w", err)
		}
		run.CreatedAt = time.Unix(createdAt, 0)
		runs = append(runs, run)
	}

	return runs, rows.Err()
}
