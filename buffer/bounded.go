// Package buffer provides the fixed-capacity byte accumulator used for every
// per-request field.
//
// A Bounded buffer is bound to caller-owned storage and never grows. One byte
// of the storage is reserved for a zero terminator written just past the
// content, so the usable capacity is len(storage)-1. Appends are
// all-or-nothing: an append that does not fit leaves the buffer untouched.
package buffer

// Bounded is an append-only byte accumulator over fixed storage.
// The zero value has no storage and rejects every append.
type Bounded struct {
	storage []byte
	length  int
}

// New binds a Bounded buffer to storage. The buffer starts empty.
func New(storage []byte) Bounded {
	return Bounded{storage: storage}
}

// Cap returns the usable capacity (storage size minus the terminator byte).
func (b *Bounded) Cap() int {
	if len(b.storage) == 0 {
		return 0
	}
	return len(b.storage) - 1
}

// Len returns the number of content bytes.
func (b *Bounded) Len() int { return b.length }

// Bytes returns the content without the terminator. The slice aliases the
// buffer's storage and is only valid until the next append.
func (b *Bounded) Bytes() []byte { return b.storage[:b.length] }

// String returns a copy of the content.
func (b *Bounded) String() string { return string(b.storage[:b.length]) }

// Append copies p into the buffer and reports whether it fit.
// A false return is definitive for the current field: the buffer is left
// byte-for-byte unchanged.
func (b *Bounded) Append(p []byte) bool {
	return appendTo(b, p)
}

// AppendString is Append for string input.
func (b *Bounded) AppendString(s string) bool {
	return appendTo(b, s)
}

func appendTo[T []byte | string](b *Bounded, p T) bool {
	if len(b.storage) == 0 || b.length+len(p) > len(b.storage)-1 {
		return false
	}
	copy(b.storage[b.length:], p)
	b.length += len(p)
	b.storage[b.length] = 0
	return true
}

// AppendBuffer appends the content of other.
func (b *Bounded) AppendBuffer(other *Bounded) bool {
	return b.Append(other.Bytes())
}
