// Package topic defines the dot-segmented addresses streams are registered
// under, and an index answering "which registered topics live under prefix p".
package topic

import (
	"errors"
	"fmt"
	"strings"
)

// Separator splits a topic into segments.
const Separator = "."

// ErrInvalid is returned for empty or malformed topics.
var ErrInvalid = errors.New("invalid topic")

// Topic is a hierarchical address such as "app.feature.instance".
type Topic string

// Parse validates s and returns it as a Topic.
// A valid topic is non-empty printable ASCII with no empty segment.
func Parse(s string) (Topic, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalid)
	}
	for i := 0; i < len(s); i++ {
		if c := s[i]; c < 0x21 || c > 0x7e {
			return "", fmt.Errorf("%w: %q contains non-printable or non-ASCII byte at %d", ErrInvalid, s, i)
		}
	}
	for _, seg := range strings.Split(s, Separator) {
		if seg == "" {
			return "", fmt.Errorf("%w: %q has an empty segment", ErrInvalid, s)
		}
	}
	return Topic(s), nil
}

// MustParse is like Parse but panics on an invalid topic.
func MustParse(s string) Topic {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the topic as a string.
func (t Topic) String() string {
	return string(t)
}

// IsValid reports whether t would be accepted by Parse.
func (t Topic) IsValid() bool {
	_, err := Parse(string(t))
	return err == nil
}

// Segments returns the topic split by the separator.
func (t Topic) Segments() []string {
	if t == "" {
		return nil
	}
	return strings.Split(string(t), Separator)
}

// Parent returns the topic with its last segment removed, or "" at the root.
//
// Example: "app.feature.instance" -> "app.feature"
func (t Topic) Parent() Topic {
	idx := strings.LastIndex(string(t), Separator)
	if idx < 0 {
		return ""
	}
	return t[:idx]
}

// Child appends a segment.
//
// Example: "app".Child("socket") -> "app.socket"
func (t Topic) Child(segment string) Topic {
	if t == "" {
		return Topic(segment)
	}
	return Topic(string(t) + Separator + segment)
}

// Base returns the last segment.
func (t Topic) Base() string {
	s := string(t)
	idx := strings.LastIndex(s, Separator)
	if idx < 0 {
		return s
	}
	return s[idx+1:]
}

// HasPrefix reports whether prefix is t itself or a segment-wise ancestor of t.
// "a.b.c" has prefix "a.b"; "a.bc" does not.
func (t Topic) HasPrefix(prefix Topic) bool {
	if prefix == "" {
		return true
	}
	s, p := string(t), string(prefix)
	if !strings.HasPrefix(s, p) {
		return false
	}
	return len(s) == len(p) || s[len(p)] == '.'
}
