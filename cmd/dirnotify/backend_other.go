//go:build !linux && !windows

package main

import "github.com/benbjohnson/dirnotify"

const defaultBackend = "fsnotify"

func newPlatformNotifier(backend string) (dirnotify.Notifier, bool) {
	return nil, false
}
