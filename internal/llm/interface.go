package llm

import (
	"context"

	"github.com/comigor/chatstream/internal/domain"
)

// Streamer is the subset of Client used by the reconciliation layer; it is easy to mock in tests.
type Streamer interface {
	StreamCompletion(ctx context.Context, req StreamRequest, cb Callbacks) error
}

// ModelLister fetches the provider's model catalog with a given credential.
type ModelLister interface {
	ListModels(ctx context.Context, apiKey string) ([]domain.ModelInfo, error)
}
