// ABOUTME: Cached artifact table operations for offline reads of generated content
// ABOUTME: Write-through inserts plus retention-window garbage collection

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertArtifact persists a cached artifact.
// Returns ErrDuplicateID if the id already exists.
func (s *SQLiteStore) InsertArtifact(ctx context.Context, artifact *Artifact) error {
	query := `
		INSERT INTO cached_artifacts (id, type, payload, campaign_id, product_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		artifact.ID,
		artifact.Type,
		string(artifact.Payload),
		nullString(artifact.CampaignID),
		nullString(artifact.ProductID),
		artifact.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("inserting artifact: %w", err)
	}

	s.logger.Debug("inserted artifact", "id", artifact.ID, "type", artifact.Type)
	return nil
}

// GetArtifact retrieves a cached artifact by id.
// Returns ErrNotFound if no row exists.
func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	query := `
		SELECT id, type, payload, campaign_id, product_id, created_at
		FROM cached_artifacts
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	artifact, err := scanArtifact(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying artifact: %w", err)
	}
	return artifact, nil
}

// ListArtifactsByCampaign retrieves cached artifacts for a campaign, newest first.
func (s *SQLiteStore) ListArtifactsByCampaign(ctx context.Context, campaignID string) ([]*Artifact, error) {
	query := `
		SELECT id, type, payload, campaign_id, product_id, created_at
		FROM cached_artifacts
		WHERE campaign_id = ?
		ORDER BY created_at DESC
	`
	return s.queryArtifacts(ctx, query, campaignID)
}

// ListArtifactsByProduct retrieves cached artifacts for a product, newest first.
func (s *SQLiteStore) ListArtifactsByProduct(ctx context.Context, productID string) ([]*Artifact, error) {
	query := `
		SELECT id, type, payload, campaign_id, product_id, created_at
		FROM cached_artifacts
		WHERE product_id = ?
		ORDER BY created_at DESC
	`
	return s.queryArtifacts(ctx, query, productID)
}

// DeleteArtifactsBefore removes artifacts created before the cutoff and
// returns the number of rows removed.
func (s *SQLiteStore) DeleteArtifactsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_artifacts WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired artifacts: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		s.logger.Debug("deleted expired artifacts", "count", rowsAffected)
	}
	return int(rowsAffected), nil
}

// queryArtifacts executes an artifact query and scans all rows
func (s *SQLiteStore) queryArtifacts(ctx context.Context, query string, args ...any) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning artifact row: %w", err)
		}
		artifacts = append(artifacts, artifact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating artifact rows: %w", err)
	}
	return artifacts, nil
}

// scanArtifact scans an artifact row from either a Row or Rows scan function
func scanArtifact(scan func(dest ...any) error) (*Artifact, error) {
	var artifact Artifact
	var payload, createdAtStr string
	var campaignID, productID sql.NullString

	if err := scan(
		&artifact.ID,
		&artifact.Type,
		&payload,
		&campaignID,
		&productID,
		&createdAtStr,
	); err != nil {
		return nil, err
	}

	artifact.Payload = []byte(payload)
	if campaignID.Valid {
		artifact.CampaignID = campaignID.String
	}
	if productID.Valid {
		artifact.ProductID = productID.String
	}

	var err error
	artifact.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &artifact, nil
}
