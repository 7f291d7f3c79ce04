package policy

import "errors"

// Sentinel errors for policy construction and evaluation.
var (
	ErrUnknownRole    = errors.New("unknown role")
	ErrUnknownTool    = errors.New("unknown tool")
	ErrUnknownAction  = errors.New("unknown rule action")
	ErrInvalidPattern = errors.New("invalid pattern")
	ErrDuplicateTool  = errors.New("duplicate tool policy")
)
