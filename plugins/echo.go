//go:build ignore

package main

import (
	"fmt"
	"strings"
)

func Manifest() map[string]any {
	return map[string]any{
		"name":    "echo",
		"aliases": []string{"say"},
		"execute": func(env map[string]any) (string, error) {
			args, _ := env["args"].([]string)
			if len(args) == 0 {
				prefix, _ := env["prefix"].(string)
				return fmt.Sprintf("Usage: %secho <text>", prefix), nil
			}
			return strings.Join(args, " "), nil
		},
	}
}
