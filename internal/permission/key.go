// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package permission defines the permission key grammar.
//
// A key is three segments, category:resource:action. Each segment is either a
// literal ([a-z0-9_-]+) or the wildcard "*". Keys are validated once, when
// they are loaded from configuration or accepted from an administrator, and
// are immutable afterwards.
package permission

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidKey is returned for any string that does not follow the grammar.
var ErrInvalidKey = errors.New("invalid permission key")

// Wildcard matches any value in its segment position.
const Wildcard = "*"

const segments = 3

// Key is a parsed permission key. The zero value is not a valid key.
type Key struct {
	parts [segments]string
}

// Universal is the key held implicitly by super administrators.
var Universal = Key{parts: [segments]string{Wildcard, Wildcard, Wildcard}}

// Parse validates s and returns the corresponding key.
// Keys written with "." separators are accepted and normalized to ":".
func Parse(s string) (Key, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	if raw == "" {
		return Key{}, fmt.Errorf("%w: empty", ErrInvalidKey)
	}

	sep := ":"
	if !strings.Contains(raw, ":") && strings.Contains(raw, ".") {
		sep = "."
	}

	parts := strings.Split(raw, sep)
	if len(parts) != segments {
		return Key{}, fmt.Errorf("%w: %q must have %d segments", ErrInvalidKey, s, segments)
	}

	var k Key
	for i, p := range parts {
		if !validSegment(p) {
			return Key{}, fmt.Errorf("%w: %q has malformed segment %d", ErrInvalidKey, s, i+1)
		}
		k.parts[i] = p
	}
	return k, nil
}

// MustParse is like Parse but panics on error. Intended for static tables.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

// ParseAll parses every string in ss, failing on the first malformed key.
func ParseAll(ss []string) ([]Key, error) {
	keys := make([]Key, 0, len(ss))
	for _, s := range ss {
		k, err := Parse(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func validSegment(p string) bool {
	if p == Wildcard {
		return true
	}
	if p == "" {
		return false
	}
	for _, r := range p {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// Category returns the first segment.
func (k Key) Category() string { return k.parts[0] }

// Resource returns the second segment.
func (k Key) Resource() string { return k.parts[1] }

// Action returns the third segment.
func (k Key) Action() string { return k.parts[2] }

// IsZero reports whether k is the zero value.
func (k Key) IsZero() bool { return k.parts[0] == "" }

// String returns the canonical colon-separated form.
func (k Key) String() string {
	if k.IsZero() {
		return ""
	}
	return k.parts[0] + ":" + k.parts[1] + ":" + k.parts[2]
}

// Wildcards returns the number of wildcard segments. Lower is more specific.
func (k Key) Wildcards() int {
	n := 0
	for _, p := range k.parts {
		if p == Wildcard {
			n++
		}
	}
	return n
}

// IsUniversal reports whether k is *:*:*.
func (k Key) IsUniversal() bool { return k == Universal }

// Matches reports whether the pattern k covers required. A wildcard segment
// in k matches any value; a literal segment matches only the same literal.
func (k Key) Matches(required Key) bool {
	if k.IsZero() || required.IsZero() {
		return false
	}
	for i := range k.parts {
		if k.parts[i] != Wildcard && k.parts[i] != required.parts[i] {
			return false
		}
	}
	return true
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so keys decoded from
// JSON or YAML are validated at decode time. Empty text decodes to the zero
// key, mirroring MarshalText.
func (k *Key) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*k = Key{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
