package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var ErrLoaderRequired = errors.New("cache: loader required")

// Loader computes a value on a cache miss.
type Loader func(ctx context.Context) (any, error)

// ReportCache stores computed reports under versioned keys. Bump retires every
// key built before it.
type ReportCache interface {
	BuildKey(ctx context.Context, parts ...string) (string, error)
	FetchJSON(ctx context.Context, key string, dest any, loader Loader) error
	Bump(ctx context.Context) error
}

// Noop always runs the loader.
type Noop struct{}

func (Noop) BuildKey(_ context.Context, parts ...string) (string, error) {
	return strings.Join(parts, ":"), nil
}

func (Noop) FetchJSON(ctx context.Context, _ string, dest any, loader Loader) error {
	if loader == nil {
		return ErrLoaderRequired
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	return roundTrip(value, dest)
}

func (Noop) Bump(context.Context) error { return nil }

// roundTrip copies value into dest through JSON so a miss and a hit hand the
// caller the same shape.
func roundTrip(value any, dest any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
