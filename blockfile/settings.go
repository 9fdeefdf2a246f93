package blockfile

import (
	"bytes"
	"strings"

	"github.com/edbstore/ebakup/errs"
)

type settingLine struct {
	Key, Value string
}

// Settings holds the magic line and the ordered key:value lines of a
// container file's settings block (spec.md §4.1/§4.2).
type Settings struct {
	Magic string
	pairs []settingLine
}

// NewSettings returns an empty Settings block for the given magic
// string.
func NewSettings(magic string) *Settings {
	return &Settings{Magic: magic}
}

// Get returns the value for key and whether it was present.
func (s *Settings) Get(key string) (string, bool) {
	for _, p := range s.pairs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Set assigns key to value, preserving the position of an existing key
// or appending a new one at the end.
func (s *Settings) Set(key, value string) {
	for i, p := range s.pairs {
		if p.Key == key {
			s.pairs[i].Value = value
			return
		}
	}
	s.pairs = append(s.pairs, settingLine{key, value})
}

// Keys returns the setting keys in declaration order.
func (s *Settings) Keys() []string {
	keys := make([]string, len(s.pairs))
	for i, p := range s.pairs {
		keys[i] = p.Key
	}
	return keys
}

// CheckKnown returns an InvalidFormat error naming the first setting
// key that isn't in known. Readers use this to refuse files carrying
// settings from a format they don't understand (spec.md §4.8: "Unknown
// setting in a known file: refuse").
func (s *Settings) CheckKnown(file string, known map[string]bool) error {
	for _, p := range s.pairs {
		if !known[p.Key] {
			return &errs.InvalidFormat{File: file, Reason: "unknown setting " + p.Key}
		}
	}
	return nil
}

// Encode renders the settings block as the magic line followed by
// "key:value" lines, each newline-terminated.
func (s *Settings) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(s.Magic)
	buf.WriteByte('\n')
	for _, p := range s.pairs {
		buf.WriteString(p.Key)
		buf.WriteByte(':')
		buf.WriteString(p.Value)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// parseSettingsPrefix parses the textual settings block out of prefix,
// which may extend past the end of the settings block's own payload
// into its zero padding (or, if the bound was too short, may not reach
// the padding at all). The returned bool reports whether the
// terminating zero byte was found within prefix.
func parseSettingsPrefix(prefix []byte) (*Settings, bool, error) {
	nul := bytes.IndexByte(prefix, 0)
	foundTerminator := nul >= 0
	text := prefix
	if foundTerminator {
		text = prefix[:nul]
	}

	lines := strings.Split(string(text), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return nil, foundTerminator, &errs.InvalidFormat{Reason: "empty settings block"}
	}

	s := &Settings{Magic: lines[0]}
	for _, line := range lines[1:] {
		i := strings.IndexByte(line, ':')
		if i < 0 {
			return nil, foundTerminator, &errs.InvalidFormat{Reason: "malformed setting line: " + line}
		}
		s.pairs = append(s.pairs, settingLine{line[:i], line[i+1:]})
	}
	return s, foundTerminator, nil
}
