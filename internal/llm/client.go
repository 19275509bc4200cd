// Package llm wraps text-generation services behind a single prompt-in,
// text-out contract whose failures are always typed, never returned as text.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorSignalPrefix marks legacy adapter output that reports a failure as content.
const ErrorSignalPrefix = "Error:"

type FailureKind string

const (
	FailureTransport     FailureKind = "transport"
	FailureEmptyResponse FailureKind = "empty_response"
	FailureErrorSignal   FailureKind = "error_signal"
	FailureCanceled      FailureKind = "canceled"
)

// Failure is the failed branch of a generation call.
type Failure struct {
	Kind   FailureKind
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return fmt.Sprintf("generation %s", f.Kind)
	}
	return fmt.Sprintf("generation %s: %s", f.Kind, f.Detail)
}

func (f *Failure) Unwrap() error { return f.Err }

// IsFailure reports whether err carries a generation Failure and returns it.
func IsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Generator produces text for a prompt. Exactly one of the returned text and
// error is meaningful; a nil error means the text is valid content.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (fn GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return fn(ctx, prompt)
}

// Guard wraps a generator so that empty output or output starting with the
// legacy "Error:" prefix is reported as a Failure instead of content.
func Guard(g Generator) Generator {
	return GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		text, err := g.Generate(ctx, prompt)
		if err != nil {
			if _, ok := IsFailure(err); ok {
				return "", err
			}
			return "", classifyErr(ctx, err)
		}
		if err := Classify(text); err != nil {
			return "", err
		}
		return text, nil
	})
}

// Classify inspects raw generator text and returns a Failure for error-signal
// or empty output, nil otherwise.
func Classify(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return &Failure{Kind: FailureEmptyResponse, Detail: "empty response"}
	}
	if strings.HasPrefix(trimmed, ErrorSignalPrefix) {
		return &Failure{Kind: FailureErrorSignal, Detail: strings.TrimSpace(strings.TrimPrefix(trimmed, ErrorSignalPrefix))}
	}
	return nil
}

func classifyErr(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: FailureCanceled, Detail: err.Error(), Err: err}
	}
	return &Failure{Kind: FailureTransport, Detail: err.Error(), Err: err}
}
