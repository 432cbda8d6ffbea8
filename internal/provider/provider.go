package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ItemMetadata is what a provider knows about one file.
type ItemMetadata struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// CopyResult identifies the file created at the destination.
type CopyResult struct {
	TargetID  string `json:"target_id"`
	TargetURL string `json:"target_url"`
}

// Adapter is the contract every cloud storage backend implements. The
// orchestrator composes Download and Upload to move an item across
// providers; adapters never see each other.
type Adapter interface {
	// FetchMetadata returns the name and size of an item.
	FetchMetadata(ctx context.Context, accountID, itemID string) (*ItemMetadata, error)

	// FindExisting returns the id of a file in the folder with the same
	// name and size, or "" when the destination has no equivalent file.
	FindExisting(ctx context.Context, accountID, folder, name string, size int64) (string, error)

	// Download opens the item content for streaming.
	Download(ctx context.Context, accountID, itemID string) (io.ReadCloser, error)

	// Upload streams content into the folder under the given name.
	Upload(ctx context.Context, accountID, folder, name string, content io.Reader, size int64) (*CopyResult, error)
}

// RateLimitError signals a provider throttle. The orchestrator backs off
// for RetryAfter and retries the same item instead of advancing.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("provider rate limited, retry after %s", e.RetryAfter)
}

// IsRateLimited reports whether err is a provider throttle and returns the
// requested delay.
func IsRateLimited(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}

// ErrItemNotFound is a permanent provider error: the source item is gone.
var ErrItemNotFound = errors.New("item not found at provider")

// ErrUnknownProvider is returned when no adapter is registered for a
// provider name.
var ErrUnknownProvider = errors.New("unknown provider")

// Registry maps provider names to their adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to a provider name.
func (r *Registry) Register(name string, adapter Adapter) {
	r.adapters[name] = adapter
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (Adapter, error) {
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return adapter, nil
}
