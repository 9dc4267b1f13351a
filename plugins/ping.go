//go:build ignore

// Plugin files are interpreted at runtime, not compiled; the build tag
// keeps them out of normal builds.

package main

import (
	"fmt"
	"time"
)

func Manifest() map[string]any {
	return map[string]any{
		"name":    "ping",
		"aliases": []string{"p", "alive"},
		"react":   "🏓",
		"execute": func(env map[string]any) (string, error) {
			start := time.Now()
			return fmt.Sprintf("pong (%s)", time.Since(start).Round(time.Microsecond)), nil
		},
	}
}
