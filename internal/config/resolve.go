package config

import (
	"os"
	"strings"

	"github.com/p-arndt/agenthub/internal/apperr"
)

// Source yields a candidate value for a setting. ok=false means the source has
// nothing to say; a non-nil error stops resolution.
type Source[T any] func() (value T, ok bool, err error)

// Resolve walks sources in order (explicit override, canonical config, ...)
// and returns the first value offered. When no source offers one the result
// is a config error naming the setting.
func Resolve[T any](name string, sources ...Source[T]) (T, error) {
	var zero T
	for _, src := range sources {
		v, ok, err := src()
		if err != nil {
			return zero, err
		}
		if ok {
			return v, nil
		}
	}
	return zero, apperr.Config("%s is not set", name)
}

// Value offers v when set is true.
func Value[T any](v T, set bool) Source[T] {
	return func() (T, bool, error) { return v, set, nil }
}

// Ptr offers *p when p is non-nil.
func Ptr[T any](p *T) Source[T] {
	return func() (T, bool, error) {
		if p == nil {
			var zero T
			return zero, false, nil
		}
		return *p, true, nil
	}
}

// Env offers the parsed value of an environment variable when it is non-empty.
func Env[T any](key string, parse func(string) (T, error)) Source[T] {
	return func() (T, bool, error) {
		var zero T
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return zero, false, nil
		}
		v, err := parse(raw)
		if err != nil {
			return zero, false, apperr.Config("%s: %v", key, err)
		}
		return v, true, nil
	}
}

// Func offers the result of fn. Errors from fn are returned as-is.
func Func[T any](fn func() (T, bool, error)) Source[T] {
	return fn
}
