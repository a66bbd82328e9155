// Package workers runs event handlers on per-handler worker lanes.
package workers

import (
	"context"
	"fmt"

	"github.com/telhawk-systems/taskhub-stack/common/models"
)

// Outcome is the result class of one handler invocation.
type Outcome int

const (
	// Applied means the handler did its work.
	Applied Outcome = iota
	// AlreadyApplied means the event id was seen before; nothing was done.
	AlreadyApplied
	// Retryable asks the hub to try again after a backoff.
	Retryable
	// Fatal sends the event straight to the dead-letter sink.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case AlreadyApplied:
		return "already_applied"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what an invocation reports back through its future.
type Result struct {
	Outcome Outcome
	Err     error
}

func Done() Result           { return Result{Outcome: Applied} }
func Duplicate() Result      { return Result{Outcome: AlreadyApplied} }
func Retry(err error) Result { return Result{Outcome: Retryable, Err: err} }
func Fail(err error) Result  { return Result{Outcome: Fatal, Err: err} }

// Succeeded reports whether the event needs no further delivery.
func (r Result) Succeeded() bool {
	return r.Outcome == Applied || r.Outcome == AlreadyApplied
}

func (r Result) String() string {
	if r.Err != nil {
		return r.Outcome.String() + ": " + r.Err.Error()
	}
	return r.Outcome.String()
}

// Handler reacts to events. Handle must be idempotent per event id because
// delivery is at-least-once.
type Handler interface {
	ID() string
	Handle(ctx context.Context, ev *models.Event) Result
}

type funcHandler struct {
	id string
	fn func(ctx context.Context, ev *models.Event) Result
}

func (h funcHandler) ID() string { return h.id }

func (h funcHandler) Handle(ctx context.Context, ev *models.Event) Result { return h.fn(ctx, ev) }

// HandlerFunc adapts a function to Handler.
func HandlerFunc(id string, fn func(ctx context.Context, ev *models.Event) Result) Handler {
	return funcHandler{id: id, fn: fn}
}
