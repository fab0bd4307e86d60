package dirnotify

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Default size of the per-watch change record buffer.
const DefaultBufferSize = 4096

// Event mask constants. These form the provider-neutral encoding of the
// categories a caller wants to be notified about.
const (
	Created           EventMask = 0x1
	Deleted           EventMask = 0x2
	Modified          EventMask = 0x4
	Accessed          EventMask = 0x8
	NameChangedOld    EventMask = 0x10
	NameChangedNew    EventMask = 0x20
	Renamed                     = NameChangedOld | NameChangedNew
	SizeChanged       EventMask = 0x40
	AttributesChanged EventMask = 0x80
	SecurityChanged   EventMask = 0x100
	AnyEvent          EventMask = 0x1FF
)

// EventMask is a set of change categories.
type EventMask uint32

var eventMaskNames = []struct {
	name string
	mask EventMask
}{
	{"created", Created},
	{"deleted", Deleted},
	{"modified", Modified},
	{"accessed", Accessed},
	{"renamed", Renamed},
	{"renamed-from", NameChangedOld},
	{"renamed-to", NameChangedNew},
	{"size-changed", SizeChanged},
	{"attributes-changed", AttributesChanged},
	{"security-changed", SecurityChanged},
	{"any", AnyEvent},
}

// ParseEventMask returns the mask for a list of category names, as used in
// configuration files. An empty list returns AnyEvent.
func ParseEventMask(names []string) (EventMask, error) {
	if len(names) == 0 {
		return AnyEvent, nil
	}

	var mask EventMask
	for _, name := range names {
		v, ok := lookupEventMask(name)
		if !ok {
			return 0, fmt.Errorf("unknown event type: %q", name)
		}
		mask |= v
	}
	return mask, nil
}

func lookupEventMask(name string) (EventMask, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, v := range eventMaskNames {
		if v.name == name {
			return v.mask, true
		}
	}
	return 0, false
}

// String returns a comma-separated list of category names.
func (m EventMask) String() string {
	if m == AnyEvent {
		return "any"
	}

	var a []string
	for _, v := range eventMaskNames {
		switch v.mask {
		case Renamed, AnyEvent:
			continue
		}
		if m&v.mask != 0 {
			a = append(a, v.name)
		}
	}
	return strings.Join(a, ",")
}

// Filter translates the mask into the facade's native notify filter.
func (m EventMask) Filter() NotifyFilter {
	var f NotifyFilter
	if m&Created != 0 {
		f |= NotifyChangeCreation | NotifyChangeFileName | NotifyChangeDirName
	}
	if m&Deleted != 0 {
		f |= NotifyChangeFileName | NotifyChangeDirName
	}
	if m&Modified != 0 {
		f |= NotifyChangeLastWrite
	}
	if m&Renamed != 0 {
		f |= NotifyChangeFileName | NotifyChangeDirName
	}
	if m&SizeChanged != 0 {
		f |= NotifyChangeSize
	}
	if m&Accessed != 0 {
		f |= NotifyChangeLastAccess
	}
	if m&AttributesChanged != 0 {
		f |= NotifyChangeAttributes
	}
	if m&SecurityChanged != 0 {
		f |= NotifyChangeSecurity
	}
	return f
}

// NotifyFilter is the native change filter understood by a Handle. The bit
// layout matches the FILE_NOTIFY_CHANGE_* flags of ReadDirectoryChangesW so
// the Windows facade can pass it through unchanged.
type NotifyFilter uint32

// Native notify filter bits.
const (
	NotifyChangeFileName   NotifyFilter = 0x001
	NotifyChangeDirName    NotifyFilter = 0x002
	NotifyChangeAttributes NotifyFilter = 0x004
	NotifyChangeSize       NotifyFilter = 0x008
	NotifyChangeLastWrite  NotifyFilter = 0x010
	NotifyChangeLastAccess NotifyFilter = 0x020
	NotifyChangeCreation   NotifyFilter = 0x040
	NotifyChangeSecurity   NotifyFilter = 0x100
)

// EventKind is the type of change reported by a FileEvent.
type EventKind int

// Event kinds.
const (
	Unknown EventKind = iota
	KindCreated
	KindModified
	KindDeleted
	KindRenamedFrom
	KindRenamedTo
)

var eventKindNames = [...]string{
	Unknown:         "unknown",
	KindCreated:     "created",
	KindModified:    "modified",
	KindDeleted:     "deleted",
	KindRenamedFrom: "renamed-from",
	KindRenamedTo:   "renamed-to",
}

// String returns the lowercase name of the kind.
func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return eventKindNames[Unknown]
	}
	return eventKindNames[k]
}

// ParseEventKind returns the kind with the given name. Unrecognized names
// return Unknown.
func ParseEventKind(s string) EventKind {
	for i, name := range eventKindNames {
		if name == s {
			return EventKind(i)
		}
	}
	return Unknown
}

// FileEvent represents a single change under a watched path.
type FileEvent struct {
	Path string
	Kind EventKind

	// Set only when the watch failed inside the background loop. The watch
	// has already been removed when this event is delivered.
	Err error
}

// String returns a human readable representation of the event.
func (e FileEvent) String() string {
	if e.Err != nil {
		return fmt.Sprintf("FileEvent: %s: error: %s", e.Path, e.Err)
	}
	return fmt.Sprintf("FileEvent: %s: %s", e.Path, e.Kind)
}

// Listener receives file events from a Monitor.
type Listener interface {
	FileChanged(e FileEvent)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(e FileEvent)

// FileChanged calls fn(e).
func (fn ListenerFunc) FileChanged(e FileEvent) { fn(e) }

// Sentinel errors.
var (
	// ErrNotFound is returned by Watch when neither the path nor any of its
	// ancestors exist.
	ErrNotFound = errors.New("no existing ancestor")

	// ErrClosed is returned by a Port or Handle that has been closed.
	ErrClosed = errors.New("closed")

	// ErrPending is returned when a Handle is armed while a request is
	// already outstanding.
	ErrPending = errors.New("request already pending")
)

// Op identifies the facade operation that failed.
type Op string

// Error operations.
const (
	OpOpen   Op = "open"
	OpArm    Op = "arm"
	OpEngine Op = "rearm"
	OpClose  Op = "close"
)

// Error is a failure reported by the notification facade.
type Error struct {
	Op   Op
	Path string
	Code int
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s %s: %s (%d)", e.Op, e.Path, e.Err, e.Code)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op Op, path string, err error) *Error {
	return &Error{Op: op, Path: path, Code: ErrorCode(err), Err: err}
}

// ErrorCode returns the raw operating system error code wrapped by err, or 0.
func ErrorCode(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 0
}
