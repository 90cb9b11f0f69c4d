package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const (
	DefaultUniquifierLength = 64 // hex chars, 256 bits
	MinUniquifierLength     = 64
	MaxUniquifierLength     = 255
)

// ErrEntropySourceUnavailable is returned when the random source cannot be read.
// There is no fallback source.
var ErrEntropySourceUnavailable = errors.New("entropy source unavailable")

// UniquifierGenerator produces fixed-length, unguessable identity anchors
type UniquifierGenerator struct {
	length int
	reader io.Reader
}

// NewUniquifierGenerator creates a generator emitting length hex characters
func NewUniquifierGenerator(length int) (*UniquifierGenerator, error) {
	if length == 0 {
		length = DefaultUniquifierLength
	}
	if length < MinUniquifierLength || length > MaxUniquifierLength {
		return nil, fmt.Errorf("uniquifier length must be between %d and %d, got %d",
			MinUniquifierLength, MaxUniquifierLength, length)
	}
	return &UniquifierGenerator{length: length, reader: rand.Reader}, nil
}

// WithReader swaps the random source (tests only)
func (g *UniquifierGenerator) WithReader(r io.Reader) *UniquifierGenerator {
	return &UniquifierGenerator{length: g.length, reader: r}
}

// Length returns the number of characters per uniquifier
func (g *UniquifierGenerator) Length() int {
	return g.length
}

// Generate returns a new uniquifier
func (g *UniquifierGenerator) Generate() (string, error) {
	buf := make([]byte, (g.length+1)/2)
	if _, err := io.ReadFull(g.reader, buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEntropySourceUnavailable, err)
	}
	return hex.EncodeToString(buf)[:g.length], nil
}
