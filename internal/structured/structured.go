// Package structured turns raw LLM text into validated Go values.
//
// The model is untrusted, so every response goes through the same pipeline:
// extract a JSON object, decode it, validate it with struct tags, and on any
// failure ask the model to repair its own output. Repairs are bounded by
// MaxRepairs.
package structured

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/ashita-ai/michi/internal/service/llm"
)

// MaxRepairs is the number of repair calls made before giving up.
const MaxRepairs = 2

// ErrUnparseable is returned when the original text and every repair failed.
var ErrUnparseable = errors.New("structured: output does not match schema")

var validate = validator.New(validator.WithRequiredStructEnabled())

var fence = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// Options controls a single Parse call.
type Options struct {
	// NestedKey, when set, also accepts the target object nested under this
	// key of the top-level object.
	NestedKey string

	// Prefix is prepended to repair prompts (the mode instruction).
	Prefix string

	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Result describes how a value was obtained.
type Result struct {
	Repairs int // Repair calls issued.
}

// Parse decodes raw into T, repairing through gen when needed.
func Parse[T any](ctx context.Context, gen llm.Generator, raw string, opts Options) (T, Result, error) {
	var res Result
	text := raw
	for {
		v, err := Decode[T](text, opts.NestedKey)
		if err == nil {
			return v, res, nil
		}
		if res.Repairs >= MaxRepairs {
			var zero T
			return zero, res, fmt.Errorf("%w after %d repairs: %w", ErrUnparseable, res.Repairs, err)
		}
		res.Repairs++
		text, err = gen.Generate(ctx, repairPrompt[T](opts.Prefix, text, err), llm.Options{
			Model:       opts.Model,
			Temperature: 0,
			MaxTokens:   opts.MaxTokens,
			JSONMode:    true,
			Timeout:     opts.Timeout,
		})
		if err != nil {
			var zero T
			return zero, res, fmt.Errorf("structured: repair %d: %w", res.Repairs, err)
		}
	}
}

// Decode extracts, decodes and validates a single attempt without repair.
func Decode[T any](text, nestedKey string) (T, error) {
	var v T
	obj, err := Extract(text)
	if err != nil {
		return v, err
	}

	body := []byte(obj)
	if nestedKey != "" {
		var top map[string]json.RawMessage
		if err := json.Unmarshal(body, &top); err != nil {
			return v, fmt.Errorf("structured: decode: %w", err)
		}
		if nested, ok := top[nestedKey]; ok && strings.HasPrefix(strings.TrimSpace(string(nested)), "{") {
			body = nested
		}
	}

	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("structured: decode: %w", err)
	}
	if reflect.Indirect(reflect.ValueOf(&v)).Kind() == reflect.Struct {
		if err := validate.Struct(v); err != nil {
			return v, fmt.Errorf("structured: validate: %w", err)
		}
	}
	return v, nil
}

// Extract returns the JSON object inside text: the body of a markdown code
// fence when present, otherwise the outermost brace-delimited span.
func Extract(text string) (string, error) {
	if m := fence.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", errors.New("structured: no JSON object found")
	}
	return text[start : end+1], nil
}

// SchemaOf renders the JSON Schema reflected from T.
func SchemaOf[T any]() string {
	r := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	var v T
	b, err := json.Marshal(r.Reflect(&v))
	if err != nil {
		return "{}"
	}
	return string(b)
}

func repairPrompt[T any](prefix, broken string, cause error) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString("The text below was supposed to be a single JSON object matching this JSON Schema:\n")
	b.WriteString(SchemaOf[T]())
	b.WriteString("\n\nIt was rejected: ")
	b.WriteString(cause.Error())
	b.WriteString("\n\nReturn only the corrected JSON object. No prose, no markdown.\n\nText:\n")
	b.WriteString(broken)
	return b.String()
}
