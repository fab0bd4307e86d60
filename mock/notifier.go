package mock

import (
	"github.com/benbjohnson/dirnotify"
)

var (
	_ dirnotify.Notifier = (*Notifier)(nil)
	_ dirnotify.Handle   = (*Handle)(nil)
	_ dirnotify.Port     = (*Port)(nil)
)

type Notifier struct {
	OpenWatchFunc func(path string) (dirnotify.Handle, error)
	NewPortFunc   func() (dirnotify.Port, error)
}

func (n *Notifier) OpenWatch(path string) (dirnotify.Handle, error) {
	return n.OpenWatchFunc(path)
}

func (n *Notifier) NewPort() (dirnotify.Port, error) {
	return n.NewPortFunc()
}

type Handle struct {
	IDFunc    func() uintptr
	ArmFunc   func(buf []byte, filter dirnotify.NotifyFilter, recursive bool) (dirnotify.Token, error)
	CloseFunc func() error
}

func (h *Handle) ID() uintptr {
	return h.IDFunc()
}

func (h *Handle) Arm(buf []byte, filter dirnotify.NotifyFilter, recursive bool) (dirnotify.Token, error) {
	return h.ArmFunc(buf, filter, recursive)
}

func (h *Handle) Close() error {
	return h.CloseFunc()
}

type Port struct {
	AssociateFunc    func(h dirnotify.Handle, key dirnotify.Key) error
	WaitFunc         func() (dirnotify.Completion, error)
	PostSentinelFunc func() error
	CloseFunc        func() error
}

func (p *Port) Associate(h dirnotify.Handle, key dirnotify.Key) error {
	return p.AssociateFunc(h, key)
}

func (p *Port) Wait() (dirnotify.Completion, error) {
	return p.WaitFunc()
}

func (p *Port) PostSentinel() error {
	return p.PostSentinelFunc()
}

func (p *Port) Close() error {
	return p.CloseFunc()
}
