package scene

import "github.com/nvandessel/simcore/internal/bundle"

// SetOpenBundle replaces the bundle opener until the returned func is called.
func SetOpenBundle(fn func(string, bundle.Category, bundle.Options) (*bundle.Bundle, error)) (restore func()) {
	prev := openBundle
	openBundle = fn
	return func() { openBundle = prev }
}
