package pipeline

import (
	"context"
	"errors"
)

// ErrCancelled marks a user-initiated abort. It is distinguishable from
// transport or service failures so partial output can be preserved instead
// of rolled back.
var ErrCancelled = errors.New("run cancelled by user")

// Token is the cancellation handle for one pipeline run. Every suspendable
// call in the run receives its context; Cancel aborts them all with
// ErrCancelled as the cause.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

func (t *Token) Context() context.Context {
	return t.ctx
}

func (t *Token) Cancel() {
	t.cancel(ErrCancelled)
}

func (t *Token) Cancelled() bool {
	return errors.Is(context.Cause(t.ctx), ErrCancelled)
}

// IsCancellation reports whether err originated from a Token.Cancel rather
// than an ordinary failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled)
}
