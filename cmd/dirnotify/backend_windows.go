//go:build windows

package main

import (
	"github.com/benbjohnson/dirnotify"
	dnwindows "github.com/benbjohnson/dirnotify/windows"
)

const defaultBackend = "windows"

func newPlatformNotifier(backend string) (dirnotify.Notifier, bool) {
	if backend == "windows" {
		return dnwindows.NewNotifier(), true
	}
	return nil, false
}
