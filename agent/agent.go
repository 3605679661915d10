// Package agent extracts usage tokens from a RubyGems client User-Agent.
//
// The grammar is fixed and parsed with byte-offset skips, e.g.
//
//	RubyGems/1.8.17 x86-linux Ruby/1.8.7 (2010-12-23 patchlevel 330)
//
// yields 1.8.17, x86-linux, 1.8.7 and 2010-12-23. Parsing stops at the first
// missing delimiter; tokens found before that point are still returned.
package agent

import "bytes"

// MinLength is the shortest agent value worth parsing. Shorter values are
// skipped entirely.
const MinLength = 21

// Family names the usage counter a token increments.
type Family string

// Token families in extraction order.
const (
	ClientVersion  Family = "client_version"
	Platform       Family = "platform"
	RuntimeVersion Family = "runtime_version"
	RuntimeRelease Family = "runtime_release"
)

// Token is one extracted value.
type Token struct {
	Family Family
	Value  string
}

// step is one extraction: skip bytes past the previous delimiter (or the
// start of the value), then read up to the next space.
type step struct {
	family Family
	skip   int
}

// The first skip passes "RubyGems/"; the others are measured from the
// previous space: " " (1), " Ruby/" (6), " (" (2).
var steps = [...]step{
	{ClientVersion, 9},
	{Platform, 1},
	{RuntimeVersion, 6},
	{RuntimeRelease, 2},
}

// Parse returns between zero and four tokens. Values shorter than MinLength
// return nil.
func Parse(value []byte) []Token {
	if len(value) < MinLength {
		return nil
	}

	tokens := make([]Token, 0, len(steps))
	// pos is the previous delimiter; the first skip counts from the start.
	pos := 0
	for _, s := range steps {
		start := pos + s.skip
		if start > len(value) {
			break
		}
		sp := bytes.IndexByte(value[start:], ' ')
		if sp < 0 {
			break
		}
		end := start + sp
		tokens = append(tokens, Token{Family: s.family, Value: string(value[start:end])})
		pos = end
	}
	return tokens
}

// Families returns every token family in extraction order.
func Families() []Family {
	families := make([]Family, len(steps))
	for i, s := range steps {
		families[i] = s.family
	}
	return families
}
