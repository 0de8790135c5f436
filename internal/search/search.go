// Package search holds the content connectors that feed corridor research.
package search

import (
	"context"

	"github.com/tribe-relocation/backend/internal/storage/models"
)

// Connector finds raw candidate items about a destination. Results are
// best-effort and may be empty; an error means the source itself failed.
type Connector interface {
	Name() string
	Search(ctx context.Context, destination string) ([]models.CandidateItem, error)
}
