//go:build linux

package main

import (
	"github.com/benbjohnson/dirnotify"
	"github.com/benbjohnson/dirnotify/inotify"
)

const defaultBackend = "inotify"

func newPlatformNotifier(backend string) (dirnotify.Notifier, bool) {
	if backend == "inotify" {
		return inotify.NewNotifier(), true
	}
	return nil, false
}
