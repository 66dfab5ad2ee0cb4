package config

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	mu       sync.Mutex
	cache    = make(map[reflect.Type]any)
	loadOnce sync.Once
)

// Load parses environment variables into the given struct pointer.
// Each configuration type is loaded once per process and cached, so
// repeated calls with the same type return identical values.
// A .env file in the working directory is loaded on first use if present.
func Load[T any](cfg *T) error {
	loadOnce.Do(func() {
		// Missing .env is the normal case in production; real environment wins.
		_ = godotenv.Load()
	})

	mu.Lock()
	defer mu.Unlock()

	t := reflect.TypeOf(*cfg)
	if cached, ok := cache[t]; ok {
		*cfg = cached.(T)
		return nil
	}

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", t.String(), err)
	}

	cache[t] = *cfg
	return nil
}

// MustLoad is Load that panics on failure. Intended for process startup
// where a missing required variable is fatal.
func MustLoad[T any](cfg *T) {
	if err := Load(cfg); err != nil {
		panic(err)
	}
}
