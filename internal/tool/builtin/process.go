package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flemzord/toolgate/internal/supervisor"
	"github.com/flemzord/toolgate/internal/tool"
)

// ProcessControl is the part of the supervisor the process tool drives.
type ProcessControl interface {
	EnsureRunning(ctx context.Context, name string) (supervisor.Handle, error)
	Stop(ctx context.Context, name string) error
	Reset(name string) error
	StatusOf(name string) (supervisor.Status, error)
	Status() []supervisor.Status
}

// NewProcess returns the process tool handler. Commands, with words
// separated by exactly one space:
//
//	status [tool]
//	start <tool>
//	stop <tool>
//	restart <tool>
//	reset <tool>
func NewProcess(pc ProcessControl) tool.Handler {
	return tool.HandlerFunc(func(ctx context.Context, call tool.Call) (tool.Output, error) {
		fields := strings.Fields(call.Command)
		if len(fields) == 0 || len(fields) > 2 {
			return tool.Output{}, fmt.Errorf("usage: status [tool] | start|stop|restart|reset <tool>")
		}
		// Policy rules match the command text as written, so only the
		// canonical single-space form may reach the supervisor.
		if strings.Join(fields, " ") != call.Command {
			return tool.Output{}, fmt.Errorf("process command %q must be words separated by single spaces", call.Command)
		}
		verb, target := fields[0], ""
		if len(fields) == 2 {
			target = fields[1]
		}
		if verb != "status" && target == "" {
			return tool.Output{}, fmt.Errorf("%s requires a tool name", verb)
		}

		var err error
		switch verb {
		case "status":
			if target == "" {
				return jsonOutput(pc.Status())
			}
		case "start":
			_, err = pc.EnsureRunning(ctx, target)
		case "stop":
			err = pc.Stop(ctx, target)
		case "reset":
			err = pc.Reset(target)
		case "restart":
			if err = pc.Stop(ctx, target); err == nil {
				if err = pc.Reset(target); err == nil {
					_, err = pc.EnsureRunning(ctx, target)
				}
			}
		default:
			return tool.Output{}, fmt.Errorf("unknown process command %q", verb)
		}
		if err != nil {
			return tool.Output{}, err
		}

		st, err := pc.StatusOf(target)
		if err != nil {
			return tool.Output{}, err
		}
		return jsonOutput(st)
	})
}

func jsonOutput(v any) (tool.Output, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return tool.Output{}, err
	}
	return tool.Output{Content: string(data)}, nil
}
