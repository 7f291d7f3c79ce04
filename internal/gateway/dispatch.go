package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flemzord/toolgate/internal/confirm"
	"github.com/flemzord/toolgate/internal/supervisor"
	"github.com/flemzord/toolgate/internal/tool"
)

// MaxResultChars is the longest tool output returned to the caller.
// Longer output keeps its head and tail around a marker.
const MaxResultChars = 8000

// dispatch runs an authorized call. It never holds a session lock.
func (g *Gateway) dispatch(ctx context.Context, req Request, sessionID string) Result {
	entry, err := g.tools.Get(req.Tool)
	if err != nil {
		g.metrics.RecordResult(req.Tool, "unavailable", 0)
		return failure(KindToolUnavailable, "%v", err)
	}
	if !entry.Available {
		g.metrics.RecordResult(req.Tool, "unavailable", 0)
		return failure(KindToolUnavailable, "%s is unavailable: %s", entry.Name, entry.Reason)
	}

	ctx, span := g.tracer.Start(ctx, "gateway.dispatch", trace.WithAttributes(
		attribute.String("tool", entry.Name),
		attribute.String("kind", string(entry.Kind)),
	))
	defer span.End()

	start := time.Now()
	out, err := g.execute(ctx, entry, req, sessionID)
	res, outcome := classify(entry.Name, out, err)
	g.metrics.RecordResult(entry.Name, outcome, time.Since(start))
	g.scrub(&res)

	if res.Error != nil {
		span.SetStatus(codes.Error, res.Error.Message)
		g.logger.Warn("tool call failed",
			"tool", entry.Name,
			"session_id", sessionID,
			"kind", string(res.Error.Kind),
			"error", res.Error.Message,
		)
	}
	return res
}

func (g *Gateway) execute(ctx context.Context, entry tool.Entry, req Request, sessionID string) (tool.Output, error) {
	switch entry.Kind {
	case tool.KindLocal:
		h := entry.Handler()
		if h == nil {
			return tool.Output{}, fmt.Errorf("%w: %s", tool.ErrNoHandler, entry.Name)
		}
		timeout := entry.Timeout
		if timeout <= 0 {
			timeout = g.localTimeout
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return h.Execute(ctx, tool.Call{
			Tool:      entry.Name,
			Command:   req.Command,
			Input:     req.Input,
			SessionID: sessionID,
			Role:      req.Role,
		})

	case tool.KindSubprocess:
		if g.processes == nil {
			return tool.Output{}, fmt.Errorf("%w: %s: no supervisor", supervisor.ErrToolUnavailable, entry.Name)
		}
		payload, err := json.Marshal(tool.Envelope{
			Tool:      entry.Name,
			Command:   req.Command,
			Input:     req.Input,
			SessionID: sessionID,
		})
		if err != nil {
			return tool.Output{}, fmt.Errorf("gateway: encode request: %w", err)
		}
		raw, err := g.processes.Send(ctx, entry.Name, payload)
		if err != nil {
			return tool.Output{}, err
		}
		return tool.DecodeReply(raw), nil
	}
	return tool.Output{}, fmt.Errorf("%w: %q", tool.ErrUnknownKind, entry.Kind)
}

// classify turns a dispatch outcome into a Result and a metrics label.
// Tool errors are passed through verbatim.
func classify(name string, out tool.Output, err error) (Result, string) {
	switch {
	case err == nil && !out.IsError:
		return Result{Success: true, Data: Truncate(out.Content, MaxResultChars)}, "success"
	case err == nil:
		return failure(KindToolError, "%s", Truncate(out.Content, MaxResultChars)), "tool_error"
	case errors.Is(err, supervisor.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return failure(KindTimeout, "%s: %v", name, err), "timeout"
	case errors.Is(err, supervisor.ErrToolUnavailable),
		errors.Is(err, supervisor.ErrLaunchFailed),
		errors.Is(err, supervisor.ErrUnknownTool),
		errors.Is(err, supervisor.ErrShutdown),
		errors.Is(err, tool.ErrUnavailable):
		return failure(KindToolUnavailable, "%v", err), "unavailable"
	default:
		return failure(KindToolError, "%s", err.Error()), "tool_error"
	}
}

// Truncate shortens s to at most limit characters by keeping the first
// and last limit/2 around a marker naming how much was cut.
func Truncate(s string, limit int) string {
	n := utf8.RuneCountInString(s)
	if limit <= 0 || n <= limit {
		return s
	}
	runes := []rune(s)
	half := limit / 2
	return string(runes[:half]) +
		fmt.Sprintf("\n\n... [%d characters truncated] ...\n\n", n-limit) +
		string(runes[n-half:])
}

func (g *Gateway) scrub(res *Result) {
	if g.redactor == nil {
		return
	}
	res.Data = g.redactor.Redact(res.Data)
	if res.Error != nil {
		res.Error.Message = g.redactor.Redact(res.Error.Message)
	}
}

// scrubConfirmation redacts the input shown to approvers. The command is
// left intact; approvers must see what will run.
func (g *Gateway) scrubConfirmation(c confirm.Confirmation) confirm.Confirmation {
	if g.redactor != nil {
		c.Input = g.redactor.RedactJSON(c.Input)
	}
	return c
}
