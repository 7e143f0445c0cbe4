// Package tools routes model function calls to the game's tool handlers and
// turns every call, successful or not, into exactly one result.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-go/argonauts-live/pkg/core"
)

// Name is one of the tools advertised to the model.
type Name string

const (
	VisitLocation    Name = "visit_location"
	LearnPhrase      Name = "learn_phrase"
	StartQuest       Name = "start_quest"
	AdvanceQuestStep Name = "advance_quest_step"
	GetUserProgress  Name = "get_user_progress"
)

const (
	MessageNotImplemented = "Tool not implemented"
	MessageFailed         = "error executing function"
)

// Known lists every tool name in advertisement order.
func Known() []Name {
	return []Name{VisitLocation, LearnPhrase, StartQuest, AdvanceQuestStep, GetUserProgress}
}

// Parse maps a wire name onto a known tool.
func Parse(name string) (Name, bool) {
	for _, n := range Known() {
		if string(n) == name {
			return n, true
		}
	}
	return "", false
}

// Call is a function call requested by the model.
type Call struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Result is the structured outcome returned to the model for one call.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Map renders r as a function response payload.
func (r Result) Map() map[string]any {
	out := map[string]any{"success": r.Success}
	if r.Message != "" {
		out["message"] = r.Message
	}
	if len(r.Data) > 0 {
		out["data"] = r.Data
	}
	return out
}

func notImplemented() Result { return Result{Success: false, Message: MessageNotImplemented} }
func failed() Result         { return Result{Success: false, Message: MessageFailed} }

type HandlerFunc func(ctx context.Context, args map[string]any) (Result, error)

// Handlers is the capability set supplied by the host. Nil fields are
// unsupported tools.
type Handlers struct {
	VisitLocation    HandlerFunc
	LearnPhrase      HandlerFunc
	StartQuest       HandlerFunc
	AdvanceQuestStep HandlerFunc
	GetProgress      HandlerFunc
}

func (h *Handlers) lookup(n Name) HandlerFunc {
	if h == nil {
		return nil
	}
	switch n {
	case VisitLocation:
		return h.VisitLocation
	case LearnPhrase:
		return h.LearnPhrase
	case StartQuest:
		return h.StartQuest
	case AdvanceQuestStep:
		return h.AdvanceQuestStep
	case GetUserProgress:
		return h.GetProgress
	}
	return nil
}

// Supported returns the names with a handler present, sorted.
func (h *Handlers) Supported() []Name {
	var out []Name
	for _, n := range Known() {
		if h.lookup(n) != nil {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Empty reports whether no handler is present.
func (h *Handlers) Empty() bool {
	return len(h.Supported()) == 0
}

// Dispatcher invokes handlers for model calls.
type Dispatcher struct {
	handlers *Handlers
	tracer   trace.Tracer
	logger   *slog.Logger
}

type Option func(*Dispatcher)

func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func NewDispatcher(h *Handlers, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: h,
		tracer:   noop.NewTracerProvider().Tracer("argonauts-live/tools"),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handlers returns the capability set the dispatcher routes to.
func (d *Dispatcher) Handlers() *Handlers { return d.handlers }

// Dispatch runs the handler for call. Unknown names and missing handlers yield
// a not-implemented result; handler errors and panics yield a failure result.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) (res Result) {
	ctx, span := d.tracer.Start(ctx, "tools.dispatch", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()

	name, ok := Parse(call.Name)
	fn := d.handlers.lookup(name)
	if !ok || fn == nil {
		d.logger.Warn("tool not implemented", "tool", call.Name, "call_id", call.ID)
		span.SetAttributes(attribute.Bool("tool.implemented", false))
		return notImplemented()
	}

	defer func() {
		if v := recover(); v != nil {
			err := core.NewToolHandlerError(call.Name, fmt.Errorf("panic: %v", v))
			d.logger.Error("tool handler panicked", "tool", call.Name, "call_id", call.ID, "panic", v)
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			res = failed()
		}
	}()

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	out, err := fn(ctx, args)
	if err != nil {
		err = core.NewToolHandlerError(call.Name, err)
		d.logger.Error("tool handler failed", "tool", call.Name, "call_id", call.ID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler error")
		return failed()
	}
	span.SetAttributes(attribute.Bool("tool.success", out.Success))
	return out
}
