// Package header reads and writes the size tag stored in the bytes
// immediately preceding every user offset. It is the only code that
// touches header bytes; both allocation policies go through it.
package header

import "encoding/binary"

// WordLen is the width of the encoded size tag. The configured header
// region must be at least this wide.
const WordLen = 8

// Codec encodes the caller-requested size into the header region ahead
// of a user offset. The tag occupies the first WordLen bytes of the
// region; any remaining header bytes are left untouched.
type Codec struct {
	HeaderSize int
}

// Write stores size as a little-endian word at userOff - HeaderSize.
func (c Codec) Write(pool []byte, userOff, size int) {
	start := userOff - c.HeaderSize
	binary.LittleEndian.PutUint64(pool[start:start+WordLen], uint64(size))
}

// Read returns the size previously stored ahead of userOff.
func (c Codec) Read(pool []byte, userOff int) int {
	start := userOff - c.HeaderSize
	return int(binary.LittleEndian.Uint64(pool[start : start+WordLen]))
}
