package dirnotify

import (
	"encoding/binary"
	"unicode/utf16"
)

// Record header layout. Records are DWORD aligned and chained by the offset
// of the next record, relative to the start of the current one.
const (
	RecordHeaderSize = 12
	recordAlign      = 4
)

// Action is the raw change code of a record.
type Action uint32

// Raw action codes, matching FILE_ACTION_*.
const (
	ActionAdded          Action = 1
	ActionRemoved        Action = 2
	ActionModified       Action = 3
	ActionRenamedOldName Action = 4
	ActionRenamedNewName Action = 5
)

// Kind translates the action code to an event kind. Unrecognized codes
// return Unknown.
func (a Action) Kind() EventKind {
	switch a {
	case ActionAdded:
		return KindCreated
	case ActionRemoved:
		return KindDeleted
	case ActionModified:
		return KindModified
	case ActionRenamedOldName:
		return KindRenamedFrom
	case ActionRenamedNewName:
		return KindRenamedTo
	default:
		return Unknown
	}
}

// Record is a single decoded change record.
type Record struct {
	Name   string // path relative to the watched root
	Action Action
}

// RecordReader iterates over the change records in a buffer. It is a
// single-pass cursor; a truncated or malformed buffer ends iteration early
// with the records decoded so far.
type RecordReader struct {
	buf    []byte
	off    int
	done   bool
	record Record
}

// NewRecordReader returns a reader over the records in b.
func NewRecordReader(b []byte) *RecordReader {
	return &RecordReader{buf: b}
}

// Next advances to the next record. Returns false when no records remain.
func (r *RecordReader) Next() bool {
	if r.done {
		return false
	}

	b := r.buf[r.off:]
	if len(b) < RecordHeaderSize {
		r.done = true
		return false
	}

	next := binary.LittleEndian.Uint32(b[0:4])
	action := binary.LittleEndian.Uint32(b[4:8])
	nameLen := binary.LittleEndian.Uint32(b[8:12])

	// Name must fit inside the buffer and be made of whole UTF-16 units.
	if uint64(nameLen) > uint64(len(b)-RecordHeaderSize) || nameLen%2 != 0 {
		r.done = true
		return false
	}
	name := b[RecordHeaderSize : RecordHeaderSize+int(nameLen)]

	r.record = Record{Name: decodeUTF16(name), Action: Action(action)}

	// A zero offset marks the last record. An offset that does not advance
	// past the header cannot be followed safely.
	if next == 0 || next < RecordHeaderSize || uint64(next) > uint64(len(b)) {
		r.done = true
	} else {
		r.off += int(next)
	}
	return true
}

// Record returns the current record.
func (r *RecordReader) Record() Record {
	return r.record
}

func decodeUTF16(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u))
}

// RecordWriter encodes change records into a fixed-capacity buffer.
type RecordWriter struct {
	buf  []byte
	n    int
	last int // offset of the previous record, -1 if none
}

// NewRecordWriter returns a writer that encodes records into b.
func NewRecordWriter(b []byte) *RecordWriter {
	return &RecordWriter{buf: b, last: -1}
}

// Write appends a record. Returns false without writing if the record does
// not fit in the remaining space.
func (w *RecordWriter) Write(action Action, name string) bool {
	u := utf16.Encode([]rune(name))
	size := RecordHeaderSize + len(u)*2

	start := w.n
	if rem := start % recordAlign; rem != 0 {
		start += recordAlign - rem
	}
	if start+size > len(w.buf) {
		return false
	}

	b := w.buf[start:]
	binary.LittleEndian.PutUint32(b[0:4], 0)
	binary.LittleEndian.PutUint32(b[4:8], uint32(action))
	binary.LittleEndian.PutUint32(b[8:12], uint32(len(u)*2))
	for i, c := range u {
		binary.LittleEndian.PutUint16(b[RecordHeaderSize+i*2:], c)
	}

	// Link the previous record to this one.
	if w.last >= 0 {
		binary.LittleEndian.PutUint32(w.buf[w.last:], uint32(start-w.last))
	}
	w.last, w.n = start, start+size
	return true
}

// Len returns the number of bytes written.
func (w *RecordWriter) Len() int { return w.n }

// Empty returns true if no records have been written.
func (w *RecordWriter) Empty() bool { return w.last < 0 }
