// Package tools defines the typed tool contract and the name-keyed registry
// the agent runtime dispatches through.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ashita-ai/michi/internal/model"
)

// Permission is a tool's capability class.
type Permission string

const (
	PermRead    Permission = "read"
	PermWrite   Permission = "write"
	PermNetwork Permission = "network"
	PermExec    Permission = "exec"
)

// Valid reports whether p is a known permission class.
func (p Permission) Valid() bool {
	switch p {
	case PermRead, PermWrite, PermNetwork, PermExec:
		return true
	}
	return false
}

var (
	// ErrInvalidArgs wraps argument decoding and validation failures.
	ErrInvalidArgs = errors.New("tools: invalid args")
	// ErrInvalidOutput wraps handler results that violate the output schema.
	ErrInvalidOutput = errors.New("tools: invalid output")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Context is passed to every handler.
type Context struct {
	UserID string
	RunID  uuid.UUID
}

// Spec describes a tool's metadata.
type Spec struct {
	Name        string
	Description string
	Permission  Permission
	SideEffects bool
}

// Args is input that passed a tool's schema. Only ValidateArgs creates it,
// so a handler can never see unvalidated input.
type Args struct {
	tool  string
	value any
	raw   json.RawMessage
}

// JSON returns the normalized argument document.
func (a Args) JSON() json.RawMessage {
	return a.raw
}

// Tool is a registered capability. Build one with Define.
type Tool struct {
	Spec
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage

	decode func(raw json.RawMessage) (any, error)
	call   func(ctx context.Context, tc Context, in any) (any, error)
}

// Define builds a Tool from a typed handler. Schemas are reflected from In
// and Out; In is decoded strictly and validated with struct tags.
func Define[In, Out any](spec Spec, handler func(ctx context.Context, tc Context, in In) (Out, error)) Tool {
	return Tool{
		Spec:         spec,
		InputSchema:  reflectSchema[In](),
		OutputSchema: reflectSchema[Out](),
		decode: func(raw json.RawMessage) (any, error) {
			var in In
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&in); err != nil {
				return nil, err
			}
			if err := validateValue(in); err != nil {
				return nil, err
			}
			return in, nil
		},
		call: func(ctx context.Context, tc Context, in any) (any, error) {
			typed, ok := in.(In)
			if !ok {
				return nil, fmt.Errorf("tools: %s: unexpected argument type %T", spec.Name, in)
			}
			out, err := handler(ctx, tc, typed)
			if err != nil {
				return nil, err
			}
			if err := validateValue(out); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidOutput, err)
			}
			return out, nil
		},
	}
}

// ValidateArgs checks raw arguments against the input schema. Empty or null
// input is treated as an empty object.
func (t Tool) ValidateArgs(raw json.RawMessage) (Args, error) {
	if t.decode == nil {
		return Args{}, fmt.Errorf("tools: %s has no handler", t.Name)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	v, err := t.decode(trimmed)
	if err != nil {
		return Args{}, fmt.Errorf("%w: %s: %w", ErrInvalidArgs, t.Name, err)
	}
	normalized, err := json.Marshal(v)
	if err != nil {
		return Args{}, fmt.Errorf("%w: %s: %w", ErrInvalidArgs, t.Name, err)
	}
	return Args{tool: t.Name, value: v, raw: normalized}, nil
}

// Invoke runs the handler and returns its JSON-encoded, validated result.
func (t Tool) Invoke(ctx context.Context, tc Context, args Args) (json.RawMessage, error) {
	if t.call == nil {
		return nil, fmt.Errorf("tools: %s has no handler", t.Name)
	}
	if args.tool != t.Name {
		return nil, fmt.Errorf("tools: %s: args were validated for %q", t.Name, args.tool)
	}
	out, err := t.call(ctx, tc, args.value)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("tools: %s: encode result: %w", t.Name, err)
	}
	return b, nil
}

// Info returns the advertised view of the tool.
func (t Tool) Info() model.ToolInfo {
	return model.ToolInfo{
		Name:         t.Name,
		Description:  t.Description,
		Permission:   string(t.Permission),
		SideEffects:  t.SideEffects,
		InputSchema:  t.InputSchema,
		OutputSchema: t.OutputSchema,
	}
}

func validateValue(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return validate.Struct(v)
}
