// Package registry publishes the RPC methods a plugin announced in its
// manifest so other tools can discover what a plugin serves.
package registry

import (
	"context"
	"errors"
)

// ErrInvalidEntry is returned for entries missing a plugin or method name.
var ErrInvalidEntry = errors.New("registry: entry needs a plugin and a method")

// MethodEntry is one published method.
type MethodEntry struct {
	Plugin      string `json:"plugin"`
	Method      string `json:"method"`
	Usage       string `json:"usage,omitempty"`
	Description string `json:"description,omitempty"`
	// Hook marks lifecycle hooks, which callers cannot invoke directly.
	Hook bool `json:"hook,omitempty"`
}

func (e MethodEntry) validate() error {
	if e.Plugin == "" || e.Method == "" {
		return ErrInvalidEntry
	}
	return nil
}

type Registry interface {
	// Register publishes entry. ttl is in seconds; implementations that
	// cannot expire entries ignore it.
	Register(ctx context.Context, entry MethodEntry, ttl int64) error
	Deregister(ctx context.Context, plugin, method string) error
	// Discover lists the methods of plugin ordered by name.
	Discover(ctx context.Context, plugin string) ([]MethodEntry, error)
	// Watch emits the full method list of plugin after every change until
	// ctx ends.
	Watch(ctx context.Context, plugin string) <-chan []MethodEntry
}
