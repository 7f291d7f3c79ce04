package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/flemzord/toolgate/internal/security"
	"github.com/flemzord/toolgate/internal/tool"
)

// DefaultMaxReadBytes bounds a single file_read.
const DefaultMaxReadBytes = 1 << 20

// ErrEmptyPath is returned when a file tool is called without a path.
var ErrEmptyPath = errors.New("path must not be empty")

// FileConfig configures file_read and file_write.
type FileConfig struct {
	// BaseDir resolves relative paths. Empty means the current directory.
	BaseDir string
	// MaxReadBytes caps how much file_read returns.
	MaxReadBytes int64
}

func (c FileConfig) resolve(command string) (string, error) {
	if command == "" {
		return "", ErrEmptyPath
	}
	return security.ValidatePath(security.JoinBase(c.BaseDir, command))
}

type readInput struct {
	MaxBytes int64 `json:"max_bytes"`
}

// NewFileRead returns the file_read handler. The command is the path.
func NewFileRead(cfg FileConfig) tool.Handler {
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = DefaultMaxReadBytes
	}
	return tool.HandlerFunc(func(_ context.Context, call tool.Call) (tool.Output, error) {
		path, err := cfg.resolve(call.Command)
		if err != nil {
			return tool.Output{}, err
		}

		limit := cfg.MaxReadBytes
		if len(call.Input) > 0 {
			var in readInput
			if err := json.Unmarshal(call.Input, &in); err != nil {
				return tool.Output{}, fmt.Errorf("invalid input: %w", err)
			}
			if in.MaxBytes > 0 {
				limit = min(in.MaxBytes, limit)
			}
		}

		f, err := os.Open(path)
		if err != nil {
			return tool.Output{}, err
		}
		defer f.Close()

		data, err := io.ReadAll(io.LimitReader(f, limit+1))
		if err != nil {
			return tool.Output{}, err
		}
		if int64(len(data)) > limit {
			return tool.Output{Content: cutUTF8(string(data), int(limit)) + "\n... (file truncated)"}, nil
		}
		return tool.Output{Content: string(data)}, nil
	})
}

type writeInput struct {
	Content *string `json:"content"`
	Append  bool    `json:"append"`
}

// NewFileWrite returns the file_write handler. The command is the path;
// the input carries {"content": ..., "append": bool}. Parent directories
// are created as needed.
func NewFileWrite(cfg FileConfig) tool.Handler {
	return tool.HandlerFunc(func(_ context.Context, call tool.Call) (tool.Output, error) {
		path, err := cfg.resolve(call.Command)
		if err != nil {
			return tool.Output{}, err
		}

		var in writeInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return tool.Output{}, fmt.Errorf("invalid input: %w", err)
		}
		if in.Content == nil {
			return tool.Output{}, errors.New(`invalid input: "content" is required`)
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return tool.Output{}, err
		}
		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if in.Append {
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		f, err := os.OpenFile(path, flags, 0o644)
		if err != nil {
			return tool.Output{}, err
		}
		n, werr := f.WriteString(*in.Content)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return tool.Output{}, werr
		}
		return tool.Output{Content: fmt.Sprintf("wrote %d bytes to %s", n, path)}, nil
	})
}
