package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// Validation limits.
const (
	DefaultMaxRequestSize = 1 << 20 // 1 MiB
	DefaultMaxJSONDepth   = 32
	MaxCommandLength      = 64 << 10
	MaxNameLength         = 128
)

// Validation errors.
var (
	ErrRequestTooLarge = errors.New("request exceeds maximum size")
	ErrJSONTooDeep     = errors.New("JSON nesting exceeds maximum depth")
	ErrInvalidJSON     = errors.New("invalid JSON")
	ErrInvalidCommand  = errors.New("invalid command")
	ErrInvalidName     = errors.New("invalid name")
)

// ValidateCommand rejects commands that are too long, contain NUL bytes
// or are not valid UTF-8. An empty command is allowed.
func ValidateCommand(cmd string) error {
	switch {
	case len(cmd) > MaxCommandLength:
		return fmt.Errorf("%w: %d bytes (max %d)", ErrInvalidCommand, len(cmd), MaxCommandLength)
	case strings.ContainsRune(cmd, 0):
		return fmt.Errorf("%w: contains NUL byte", ErrInvalidCommand)
	case !utf8.ValidString(cmd):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidCommand)
	}
	return nil
}

// ValidateName checks a tool name or session id: non-empty, bounded and
// limited to letters, digits and "._-:".
func ValidateName(name string) error {
	if name == "" || len(name) > MaxNameLength {
		return fmt.Errorf("%w: length %d", ErrInvalidName, len(name))
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-' || r == ':':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// ValidateRequestSize checks that data does not exceed limit bytes.
// If limit is <= 0, DefaultMaxRequestSize is used.
func ValidateRequestSize(data []byte, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxRequestSize
	}
	if len(data) > limit {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrRequestTooLarge, len(data), limit)
	}
	return nil
}

// ValidateJSONDepth checks that the JSON in data does not nest deeper
// than limit levels. This protects against JSON bombs that could exhaust
// stack or memory. If limit is <= 0, DefaultMaxJSONDepth is used.
func ValidateJSONDepth(data []byte, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxJSONDepth
	}
	if len(data) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrInvalidJSON, err)
		}

		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
			if depth > limit {
				return fmt.Errorf("%w: depth %d (max %d)", ErrJSONTooDeep, depth, limit)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}
