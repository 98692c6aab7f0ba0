// Package tools routes tool-call batches to caller-registered handlers and
// assembles the response batch.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/live/metrics"
	"github.com/vango-go/vai-live/pkg/live/protocol"
)

// Error codes carried in a failed response.
const (
	CodeNotImplemented = "not_implemented"
	CodeToolError      = "tool_error"
	CodeToolPanic      = "tool_panic"
	CodeCancelled      = "cancelled"
	CodeTimeout        = "timeout"
	CodeBadArguments   = "bad_arguments"
)

const DefaultTimeout = 30 * time.Second

// Handler runs one tool call. The returned value is sent as the result and
// must be JSON-encodable.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

type Options struct {
	// Timeout bounds each handler. Zero uses DefaultTimeout; negative
	// disables it.
	Timeout time.Duration
	// MaxConcurrency bounds handlers running at once within a batch. Zero
	// means no bound.
	MaxConcurrency int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Dispatcher is a concurrency-safe name → handler registry.
type Dispatcher struct {
	opts Options

	mu       sync.RWMutex
	handlers map[string]Handler

	inflightMu sync.Mutex
	inflight   map[string]*call
}

type call struct {
	cancel    context.CancelFunc
	cancelled bool
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		opts:     opts,
		handlers: make(map[string]Handler),
		inflight: make(map[string]*call),
	}
}

// Register adds a handler. Names are unique.
func (d *Dispatcher) Register(name string, h Handler) error {
	if name == "" {
		return core.NewInvalidRequestError("tool name is required")
	}
	if h == nil {
		return core.NewInvalidRequestError(fmt.Sprintf("tool %q has a nil handler", name))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[name]; exists {
		return core.NewInvalidRequestError(fmt.Sprintf("tool %q is already registered", name))
	}
	d.handlers[name] = h
	return nil
}

// Names returns the registered tool names, sorted.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) lookup(name string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[name]
	return h, ok
}

// Dispatch runs every call and returns exactly one response per call, in
// the order of calls. A failing call never affects the others.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []protocol.FunctionCall) []protocol.FunctionResponse {
	responses := make([]protocol.FunctionResponse, len(calls))

	var g errgroup.Group
	if d.opts.MaxConcurrency > 0 {
		g.SetLimit(d.opts.MaxConcurrency)
	}
	for i, fc := range calls {
		g.Go(func() error {
			responses[i] = d.run(ctx, fc)
			return nil
		})
	}
	_ = g.Wait()
	return responses
}

// Cancel aborts in-flight calls by id. Their responses carry a cancelled
// error. It returns how many calls were found.
func (d *Dispatcher) Cancel(ids []string) int {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	n := 0
	for _, id := range ids {
		if c, ok := d.inflight[id]; ok {
			c.cancelled = true
			c.cancel()
			n++
		}
	}
	return n
}

type outcome struct {
	value any
	err   error
	panic string
}

func (d *Dispatcher) run(ctx context.Context, fc protocol.FunctionCall) protocol.FunctionResponse {
	start := time.Now()
	resp := protocol.FunctionResponse{ID: fc.ID, Name: fc.Name}

	h, ok := d.lookup(fc.Name)
	if !ok {
		resp.Response = errorPayload(CodeNotImplemented, fmt.Sprintf("tool %q is not implemented", fc.Name))
		d.record(fc.Name, CodeNotImplemented, start)
		return resp
	}

	args, err := encodeArgs(fc.Args)
	if err != nil {
		resp.Response = errorPayload(CodeBadArguments, err.Error())
		d.record(fc.Name, CodeBadArguments, start)
		return resp
	}

	callCtx, cancel := d.callContext(ctx)
	defer cancel()
	c := d.track(fc.ID, cancel)
	defer d.untrack(fc.ID, c)

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				d.opts.Logger.Error("tool handler panic", "tool", fc.Name, "id", fc.ID, "panic", v, "stack", string(debug.Stack()))
				done <- outcome{panic: fmt.Sprint(v)}
			}
		}()
		v, err := h(callCtx, args)
		done <- outcome{value: v, err: err}
	}()

	var code string
	select {
	case out := <-done:
		switch {
		case out.panic != "":
			code = CodeToolPanic
			resp.Response = errorPayload(code, "tool panicked: "+out.panic)
		case d.wasCancelled(c):
			code = CodeCancelled
			resp.Response = errorPayload(code, "tool call was cancelled")
		case out.err != nil:
			code = CodeToolError
			if errors.Is(out.err, context.DeadlineExceeded) {
				code = CodeTimeout
			}
			resp.Response = errorPayload(code, out.err.Error())
		default:
			code = "ok"
			resp.Response = resultPayload(out.value)
		}
	case <-callCtx.Done():
		code = CodeCancelled
		msg := "tool call was cancelled"
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !d.wasCancelled(c) {
			code = CodeTimeout
			msg = fmt.Sprintf("tool call exceeded %s", d.opts.Timeout)
		}
		resp.Response = errorPayload(code, msg)
	}

	if code != "ok" {
		d.opts.Logger.Warn("tool call failed", "tool", fc.Name, "id", fc.ID, "code", code)
	}
	d.record(fc.Name, code, start)
	return resp
}

func (d *Dispatcher) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.opts.Timeout > 0 {
		return context.WithTimeout(ctx, d.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

func (d *Dispatcher) track(id string, cancel context.CancelFunc) *call {
	c := &call{cancel: cancel}
	if id == "" {
		return c
	}
	d.inflightMu.Lock()
	d.inflight[id] = c
	d.inflightMu.Unlock()
	return c
}

func (d *Dispatcher) untrack(id string, c *call) {
	d.inflightMu.Lock()
	if d.inflight[id] == c {
		delete(d.inflight, id)
	}
	d.inflightMu.Unlock()
}

func (d *Dispatcher) wasCancelled(c *call) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	return c.cancelled
}

func (d *Dispatcher) record(tool, result string, start time.Time) {
	d.opts.Metrics.RecordToolCall(tool, result, time.Since(start))
}

func encodeArgs(args map[string]any) (json.RawMessage, error) {
	if args == nil {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	return raw, nil
}

func resultPayload(v any) map[string]any {
	return map[string]any{"result": v}
}

func errorPayload(code, message string) map[string]any {
	return map[string]any{"error": map[string]any{"code": code, "message": message}}
}

// ErrorCode returns the error code of a failed response, or "".
func ErrorCode(resp protocol.FunctionResponse) string {
	e, ok := resp.Response["error"].(map[string]any)
	if !ok {
		return ""
	}
	code, _ := e["code"].(string)
	return code
}
