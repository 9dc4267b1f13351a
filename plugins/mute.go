//go:build ignore

package main

import (
	"fmt"
	"strconv"
)

func Manifest() map[string]any {
	return map[string]any{
		"name":    "mute",
		"aliases": []string{"silence"},
		"execute": func(env map[string]any) (string, error) {
			isGroup, _ := env["isGroup"].(bool)
			if !isGroup {
				return "This command only works in groups.", nil
			}
			isOwner, _ := env["isOwner"].(bool)
			if !isOwner {
				return "Only the owner can mute a group.", nil
			}

			args, _ := env["args"].([]string)
			if len(args) > 0 && args[0] == "off" {
				unmute, _ := env["unmute"].(func() error)
				if err := unmute(); err != nil {
					return "", err
				}
				return "Group unmuted.", nil
			}

			minutes := 10
			if len(args) > 0 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return "Usage: mute [minutes|off]", nil
				}
				minutes = n
			}

			mute, _ := env["mute"].(func(int) error)
			if err := mute(minutes); err != nil {
				return "", err
			}
			return fmt.Sprintf("Group muted for %d minute(s).", minutes), nil
		},
	}
}
