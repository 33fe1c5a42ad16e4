package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Known ClientQuery error codes.
const (
	codeOK                 = 0
	codeNotConnected       = 1794
	codeInvalidSchandlerID = 1799
)

// Expected, recoverable domain errors from the voice client.
var (
	ErrNotConnected       = errors.New("not connected to a TeamSpeak server")
	ErrInvalidSchandlerID = errors.New("invalid server connection handler id")
)

// APIError is any other non-zero status returned by the voice client.
type APIError struct {
	ID  int
	Msg string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("clientquery error %d: %s", e.ID, e.Msg)
}

// Status is a decoded "error id=N msg=..." line. Every command response is
// terminated by one; id 0 means success.
type Status struct {
	ID  int
	Msg string
}

// OK reports whether the status signals success.
func (s *Status) OK() bool {
	return s.ID == codeOK
}

// Recoverable reports whether the status is an expected domain condition
// (no voice server connection yet) rather than a protocol failure.
func (s *Status) Recoverable() bool {
	return s.ID == codeNotConnected || s.ID == codeInvalidSchandlerID
}

// Err maps the status to its typed error, or nil on success.
func (s *Status) Err() error {
	switch s.ID {
	case codeOK:
		return nil
	case codeNotConnected:
		return ErrNotConnected
	case codeInvalidSchandlerID:
		return ErrInvalidSchandlerID
	default:
		return &APIError{ID: s.ID, Msg: s.Msg}
	}
}

// IsStatusLine reports whether the raw line is a status line.
func IsStatusLine(line string) bool {
	return strings.HasPrefix(line, "error ")
}

// ParseStatus decodes a status line. The second return value is false when
// the line is not a status line at all. The message is decoded leniently so
// that double-escaped text from legacy builds still reads correctly.
func ParseStatus(line string) (*Status, bool) {
	if !IsStatusLine(line) {
		return nil, false
	}
	status := &Status{}
	for _, token := range strings.Fields(line[len("error "):]) {
		key, value, hasValue := strings.Cut(token, "=")
		if !hasValue {
			continue
		}
		switch key {
		case "id":
			id, err := strconv.Atoi(value)
			if err != nil {
				return nil, false
			}
			status.ID = id
		case "msg":
			status.Msg = unescapeLenient(value)
		}
	}
	return status, true
}
