package alerts

import (
	"context"
	"errors"
)

// ErrAlertNotFound is returned when an id is not in the store.
var ErrAlertNotFound = errors.New("alert not found")

// Store is the id-keyed read model behind the aggregator. Implementations
// only store and retrieve; merge semantics live in the Aggregator.
type Store interface {
	// Get retrieves one alert by id.
	Get(ctx context.Context, id string) (*Alert, error)

	// Put inserts or replaces one alert.
	Put(ctx context.Context, alert Alert) error

	// List returns all stored alerts in unspecified order.
	List(ctx context.Context) ([]Alert, error)

	// Delete removes one alert by id. Removing an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	// Clear drops everything; used on logout.
	Clear(ctx context.Context) error
}
