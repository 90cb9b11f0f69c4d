package auth

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// FoldMode selects how identifiers are compared for uniqueness
type FoldMode string

const (
	FoldASCII   FoldMode = "ascii"   // lower-case A-Z only
	FoldUnicode FoldMode = "unicode" // NFKC + Unicode case folding
	FoldExact   FoldMode = "exact"   // whitespace trim only
)

// ParseFoldMode validates a configured fold mode. Empty means FoldASCII.
func ParseFoldMode(s string) (FoldMode, error) {
	switch FoldMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", FoldASCII:
		return FoldASCII, nil
	case FoldUnicode:
		return FoldUnicode, nil
	case FoldExact:
		return FoldExact, nil
	}
	return "", fmt.Errorf("unknown fold mode %q", s)
}

// Normalizer canonicalizes emails and usernames before storage and lookup so
// that two spellings differing only in case map to one account.
type Normalizer struct {
	mode FoldMode
}

func NewNormalizer(mode FoldMode) Normalizer {
	if mode == "" {
		mode = FoldASCII
	}
	return Normalizer{mode: mode}
}

// Mode returns the configured fold mode
func (n Normalizer) Mode() FoldMode {
	return n.mode
}

// Normalize returns the canonical form of an identifier
func (n Normalizer) Normalize(s string) string {
	s = strings.TrimSpace(s)
	switch n.mode {
	case FoldExact:
		return s
	case FoldUnicode:
		// cases.Caser is stateful; build one per call
		return cases.Fold().String(norm.NFKC.String(s))
	default:
		return asciiLower(s)
	}
}

func asciiLower(s string) string {
	b := []byte(s)
	changed := false
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
			changed = true
		}
	}
	if !changed {
		return s
	}
	return string(b)
}
