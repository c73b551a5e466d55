// ABOUTME: Offline-readable cache of generated content and analysis artifacts
// ABOUTME: Retention-bound: a background sweeper deletes artifacts past the window

package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stackmark/relay/internal/store"
)

// DefaultRetention is how long cached artifacts are kept before the sweeper
// removes them.
const DefaultRetention = 30 * 24 * time.Hour

// sweepInterval is how often the background sweeper runs.
const sweepInterval = time.Hour

// ErrInvalidArtifact is returned when caching an artifact that fails validation
var ErrInvalidArtifact = errors.New("invalid artifact")

// Cache stores generated-content and analysis results locally so they remain
// readable offline. Writes happen when a response arrives; reads serve the UI
// regardless of connectivity.
type Cache struct {
	store     store.Store
	retention time.Duration
	logger    *slog.Logger
}

// NewCache creates an artifact cache with the given retention window
// (defaulted when zero).
func NewCache(st store.Store, retention time.Duration) *Cache {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Cache{
		store:     st,
		retention: retention,
		logger:    slog.Default().With("component", "artifacts"),
	}
}

// Put caches an artifact and returns its id. An empty id gets a generated
// one; a server-assigned id is kept so re-caching the same artifact
// overwrites nothing and surfaces as a duplicate instead.
func (c *Cache) Put(ctx context.Context, id, artifactType string, payload json.RawMessage, campaignID, productID string) (string, error) {
	if artifactType == "" {
		return "", fmt.Errorf("%w: type required", ErrInvalidArtifact)
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return "", fmt.Errorf("%w: payload must be valid JSON", ErrInvalidArtifact)
	}
	if id == "" {
		id = uuid.New().String()
	}

	artifact := &store.Artifact{
		ID:         id,
		Type:       artifactType,
		Payload:    payload,
		CampaignID: campaignID,
		ProductID:  productID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.store.InsertArtifact(ctx, artifact); err != nil {
		return "", fmt.Errorf("caching artifact: %w", err)
	}

	c.logger.Debug("artifact cached", "id", id, "type", artifactType)
	return id, nil
}

// Get returns a cached artifact by id.
func (c *Cache) Get(ctx context.Context, id string) (*store.Artifact, error) {
	return c.store.GetArtifact(ctx, id)
}

// ListByCampaign returns cached artifacts for a campaign, newest first.
func (c *Cache) ListByCampaign(ctx context.Context, campaignID string) ([]*store.Artifact, error) {
	return c.store.ListArtifactsByCampaign(ctx, campaignID)
}

// ListByProduct returns cached artifacts for a product, newest first.
func (c *Cache) ListByProduct(ctx context.Context, productID string) ([]*store.Artifact, error) {
	return c.store.ListArtifactsByProduct(ctx, productID)
}

// Sweep deletes artifacts older than the retention window and returns the
// number removed.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-c.retention)
	removed, err := c.store.DeleteArtifactsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping artifacts: %w", err)
	}
	if removed > 0 {
		c.logger.Info("swept expired artifacts", "removed", removed)
	}
	return removed, nil
}

// RunSweeper sweeps on an interval until ctx is done. One sweep runs
// immediately on entry.
func (c *Cache) RunSweeper(ctx context.Context) {
	if _, err := c.Sweep(ctx); err != nil {
		c.logger.Error("artifact sweep failed", "error", err)
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				c.logger.Error("artifact sweep failed", "error", err)
			}
		}
	}
}
