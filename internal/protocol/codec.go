// Package protocol implements the ClientQuery line codec: key=value token
// parsing, value escaping and status-line classification. The codec is pure
// data transformation; the transport owns line framing and I/O.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// escapeLookup maps raw characters to their wire form. See the ESCAPING
// section of the TeamSpeak 3 server query manual; ClientQuery uses the same
// table.
var escapeLookup = map[rune]string{
	'\\': `\\`,
	'/':  `\/`,
	' ':  `\s`,
	'|':  `\p`,
	'\a': `\a`,
	'\b': `\b`,
	'\f': `\f`,
	'\n': `\n`,
	'\r': `\r`,
	'\t': `\t`,
	'\v': `\v`,
}

// unescapeLookup maps the character following a backslash to its raw form.
var unescapeLookup = map[byte]byte{
	'\\': '\\',
	'/':  '/',
	's':  ' ',
	'p':  '|',
	'a':  '\a',
	'b':  '\b',
	'f':  '\f',
	'n':  '\n',
	'r':  '\r',
	't':  '\t',
	'v':  '\v',
}

// Escape converts a raw value to its wire form.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if esc, ok := escapeLookup[r]; ok {
			b.WriteString(esc)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Unescape reverses Escape. An unknown escape sequence or a trailing
// backslash is an error; the offending line should be discarded.
func Unescape(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("truncated escape sequence in %q", s)
		}
		i++
		raw, ok := unescapeLookup[s[i]]
		if !ok {
			return "", fmt.Errorf("unknown escape sequence \\%c in %q", s[i], s)
		}
		b.WriteByte(raw)
	}
	return b.String(), nil
}

// unescapeLenient decodes like Unescape but never fails: unknown sequences
// keep their trailing character and legacy double-escaped sequences (an
// encoder that escaped an already escaped value, producing e.g. \\s for a
// space) collapse to the raw character. Used for status-line messages where
// old ClientQuery builds shipped double-escaped text.
func unescapeLenient(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			break
		}
		i++
		if s[i] == '\\' && i+1 < len(s) {
			if raw, ok := unescapeLookup[s[i+1]]; ok && s[i+1] != '\\' {
				b.WriteByte(raw)
				i++
				continue
			}
		}
		if raw, ok := unescapeLookup[s[i]]; ok {
			b.WriteByte(raw)
		} else {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Record is one parameter record of a line: an ordered set of key or
// key=value tokens. Multi-record responses carry several of these per line,
// separated by pipes.
type Record struct {
	keys   []string
	values map[string]string
	flags  map[string]bool
}

// NewRecord creates an empty record for command encoding.
func NewRecord() *Record {
	return &Record{
		values: make(map[string]string),
		flags:  make(map[string]bool),
	}
}

// Set adds a key=value pair. Returns the record for chaining.
func (r *Record) Set(key string, value any) *Record {
	if _, seen := r.values[key]; !seen && !r.flags[key] {
		r.keys = append(r.keys, key)
	}
	r.values[key] = fmt.Sprint(value)
	return r
}

// Flag adds a bare key token such as -uid. Returns the record for chaining.
func (r *Record) Flag(key string) *Record {
	if _, seen := r.values[key]; !seen && !r.flags[key] {
		r.keys = append(r.keys, key)
	}
	r.flags[key] = true
	return r
}

// Has reports whether the key is present, with or without a value.
func (r *Record) Has(key string) bool {
	_, ok := r.values[key]
	return ok || r.flags[key]
}

// Get returns the unescaped value for key and whether it was present.
func (r *Record) Get(key string) (string, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Int returns the value for key parsed as an integer.
func (r *Record) Int(key string) (int, error) {
	v, ok := r.values[key]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parameter %q is not an integer: %w", key, err)
	}
	return n, nil
}

// Bool returns the value for key parsed as 0/1.
func (r *Record) Bool(key string) (bool, error) {
	n, err := r.Int(key)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

// Keys returns the token keys in their original order.
func (r *Record) Keys() []string {
	return r.keys
}

// ParseArguments parses the parameter portion of a line into records.
// Real spaces and pipes are always escaped inside values, so splitting the
// raw text before unescaping is safe.
func ParseArguments(data string) ([]*Record, error) {
	var records []*Record
	for _, part := range strings.Split(data, "|") {
		rec := NewRecord()
		for _, token := range strings.Fields(part) {
			key, rawValue, hasValue := strings.Cut(token, "=")
			if !hasValue {
				rec.Flag(key)
				continue
			}
			value, err := Unescape(rawValue)
			if err != nil {
				return nil, err
			}
			rec.Set(key, value)
		}
		if len(rec.keys) > 0 {
			records = append(records, rec)
		}
	}
	return records, nil
}

// EncodeCommand serializes a command name and its parameter records to wire
// form, without the line terminator.
func EncodeCommand(name string, records ...*Record) string {
	parts := []string{name}
	var recParts []string
	for _, rec := range records {
		var tokens []string
		for _, key := range rec.keys {
			if value, ok := rec.values[key]; ok {
				tokens = append(tokens, key+"="+Escape(value))
			} else {
				tokens = append(tokens, key)
			}
		}
		if len(tokens) > 0 {
			recParts = append(recParts, strings.Join(tokens, " "))
		}
	}
	if len(recParts) > 0 {
		parts = append(parts, strings.Join(recParts, "|"))
	}
	return strings.Join(parts, " ")
}
