package patterns

import (
	"context"

	"github.com/vigilstack/gchealth/internal/models"
)

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, patterns []models.EpisodePattern) error

// StorePatterns implements Store.
func (f StoreFunc) StorePatterns(ctx context.Context, patterns []models.EpisodePattern) error {
	return f(ctx, patterns)
}
