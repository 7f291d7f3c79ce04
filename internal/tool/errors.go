package tool

import "errors"

var (
	// ErrToolNotFound is returned when a tool is not found in the registry.
	ErrToolNotFound = errors.New("tool not found")

	// ErrEmptyToolName is returned when a tool name is empty.
	ErrEmptyToolName = errors.New("tool name must not be empty")

	// ErrDuplicateTool is returned when registering a tool with a name that
	// already exists in the registry.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrUnknownKind is returned for a descriptor whose kind is neither
	// local nor subprocess.
	ErrUnknownKind = errors.New("unknown tool kind")

	// ErrNoHandler is returned when a local tool has no handler attached.
	ErrNoHandler = errors.New("local tool has no handler")

	// ErrNoCommand is returned when a subprocess tool has no launch command.
	ErrNoCommand = errors.New("subprocess tool has no command")

	// ErrUnavailable is returned when dispatching to a tool whose
	// availability probe failed.
	ErrUnavailable = errors.New("tool unavailable")
)
