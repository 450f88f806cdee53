package analyzer

import (
	"context"

	"videoAnalysis/models"
)

// Analyzer produces a deepfake report for a spooled artifact. Implementations
// may take arbitrarily long; callers bound them with the context.
type Analyzer interface {
	Analyze(ctx context.Context, artifactPath string) (*models.Report, error)
}
