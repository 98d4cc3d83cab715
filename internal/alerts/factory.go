package alerts

import (
	"fmt"

	"github.com/fithublabs/gatekeeper/internal/common/config"
)

// NewStore creates an alert store from configuration.
func NewStore(cfg config.AlertStoreConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown alert store type: %s", cfg.Type)
	}
}
