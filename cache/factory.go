package cache

import (
	"fmt"

	"github.com/stephnangue/steward/logger"
)

// Backends maps a cache type from configuration to its factory
var Backends = map[string]Factory{
	"redis": NewRedisCache,
	"inmem": NewInmemCache,
}

// NewService builds the cache backend named by config["type"]
func NewService(config map[string]string, log logger.Logger) (Service, error) {
	cacheType := config["type"]
	factory, exists := Backends[cacheType]
	if !exists {
		return nil, fmt.Errorf("unknown cache type %q", cacheType)
	}

	service, err := factory(config, log)
	if err != nil {
		return nil, fmt.Errorf("error initializing cache of type %s: %w", cacheType, err)
	}
	return service, nil
}
