package agent

import (
	"context"
	"strings"

	"github.com/haasonsaas/opsassistant/pkg/models"
)

type systemPromptKey struct{}
type sessionKey struct{}
type modelKey struct{}
type confirmCallbackKey struct{}

// WithSession stores a session in the context.
func WithSession(ctx context.Context, session *models.Session) context.Context {
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, session)
}

// SessionFromContext retrieves the session from context.
func SessionFromContext(ctx context.Context) *models.Session {
	session, ok := ctx.Value(sessionKey{}).(*models.Session)
	if !ok {
		return nil
	}
	return session
}

// MaxResponseTextSize is the maximum size of accumulated response text (1MB).
// This prevents memory exhaustion from malicious or buggy model responses.
const MaxResponseTextSize = 1 << 20 // 1MB

// MaxToolCallsPerIteration is the maximum number of tool calls allowed in a single turn.
// This prevents DOS attacks where the model returns excessive tool calls.
const MaxToolCallsPerIteration = 100

// WithSystemPrompt stores a request-scoped system prompt override in the context.
func WithSystemPrompt(ctx context.Context, prompt string) context.Context {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ctx
	}
	return context.WithValue(ctx, systemPromptKey{}, prompt)
}

func systemPromptFromContext(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(systemPromptKey{}).(string)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// WithModel stores a request-scoped model override in the context.
func WithModel(ctx context.Context, model string) context.Context {
	model = strings.TrimSpace(model)
	if model == "" {
		return ctx
	}
	return context.WithValue(ctx, modelKey{}, model)
}

func modelFromContext(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(modelKey{}).(string)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// ConfirmFunc asks an operator to approve a tool call before it runs. Tools on
// the confirm-tools list (execute_command, create_directory, ...) are gated
// on this; if no callback is installed, confirmation is treated as denied.
type ConfirmFunc func(ctx context.Context, toolName string, input []byte) (bool, error)

// WithConfirmCallback installs the operator-confirmation callback for the duration of a query.
func WithConfirmCallback(ctx context.Context, fn ConfirmFunc) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, confirmCallbackKey{}, fn)
}

func confirmCallbackFromContext(ctx context.Context) ConfirmFunc {
	fn, _ := ctx.Value(confirmCallbackKey{}).(ConfirmFunc)
	return fn
}
