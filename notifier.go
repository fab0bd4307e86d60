package dirnotify

// Notifier is the operating system layer that opens watch handles and
// creates completion ports. Implementations live in the inotify, fsnotify and
// windows packages.
type Notifier interface {
	// Opens a directory for change monitoring.
	OpenWatch(path string) (Handle, error)

	// Creates a port that multiplexes completions of associated handles.
	NewPort() (Port, error)
}

// Handle is an open watch on a single directory.
type Handle interface {
	// Returns the OS-level identity of the handle. Identities may be reused
	// after Close so they are always paired with a generation in a Key.
	ID() uintptr

	// Issues the next asynchronous change request. Change records are written
	// into buf in the format read by RecordReader and the completion is
	// delivered through the associated Port. Only one request may be
	// outstanding at a time.
	Arm(buf []byte, filter NotifyFilter, recursive bool) (Token, error)

	// Releases the handle. An outstanding request may still complete
	// afterwards, or may never complete.
	Close() error
}

// Port is a blocking multiplexer over the completions of many handles.
type Port interface {
	// Routes completions of h to this port, tagged with key.
	Associate(h Handle, key Key) error

	// Blocks until an armed request completes or a sentinel is posted.
	// Returns ErrClosed once the port has been closed.
	Wait() (Completion, error)

	// Wakes a single Wait call with a sentinel completion.
	PostSentinel() error

	// Releases the port and unblocks any waiters.
	Close() error
}

// Key identifies a watch across handle identity reuse.
type Key struct {
	ID  uintptr
	Gen uint64
}

// Token identifies a single armed request on a handle. The zero value means
// no request is outstanding.
type Token uint64

// Completion is the result of a Port wait.
type Completion struct {
	Key   Key
	Token Token
	N     int // number of bytes written to the armed buffer

	// True if the wait was woken by PostSentinel. Key & Token are unset.
	Sentinel bool
}
