package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/apifuse/apifuse/internal/jq"
	"github.com/apifuse/apifuse/pkg/connector"
)

// valueTransform converts a single argument or response field value.
type valueTransform func(val interface{}) (interface{}, error)

var nonDigits = regexp.MustCompile(`\D`)

// namedTransforms are the built-in value transforms a field mapping can
// reference by name.
var namedTransforms = map[string]valueTransform{
	"date_rfc3339": func(val interface{}) (interface{}, error) {
		str, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", val)
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05", "01/02/2006"} {
			if t, err := time.Parse(layout, str); err == nil {
				return t.UTC().Format(time.RFC3339), nil
			}
		}
		return nil, fmt.Errorf("unrecognized date %q", str)
	},
	"phone_digits": func(val interface{}) (interface{}, error) {
		str, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", val)
		}
		digits := nonDigits.ReplaceAllString(str, "")
		if digits == "" {
			return nil, fmt.Errorf("no digits in %q", str)
		}
		if strings.HasPrefix(str, "+") {
			return "+" + digits, nil
		}
		return digits, nil
	},
	"lowercase": func(val interface{}) (interface{}, error) {
		str, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", val)
		}
		return strings.ToLower(str), nil
	},
	"uppercase": func(val interface{}) (interface{}, error) {
		str, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", val)
		}
		return strings.ToUpper(str), nil
	},
	"trim": func(val interface{}) (interface{}, error) {
		str, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", val)
		}
		return strings.TrimSpace(str), nil
	},
	"epoch_to_iso8601": func(val interface{}) (interface{}, error) {
		secs, ok := asFloat(val)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", val)
		}
		return time.Unix(int64(secs), 0).UTC().Format(time.RFC3339), nil
	},
	"iso8601_to_epoch": func(val interface{}) (interface{}, error) {
		str, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", val)
		}
		t, err := time.Parse(time.RFC3339, str)
		if err != nil {
			return nil, err
		}
		return t.Unix(), nil
	},
	"csv_to_array": func(val interface{}) (interface{}, error) {
		str, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", val)
		}
		parts := strings.Split(str, ",")
		out := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out, nil
	},
}

// mapper applies an operation's field mapping to arguments before the
// wire and to payloads after it.
type mapper struct {
	jq *jq.Executor
}

func newMapper(executor *jq.Executor) *mapper {
	return &mapper{jq: executor}
}

// mapInput applies defaults, input transforms and aliases to the
// sanitized argument map, in that order. Defaults never overwrite
// caller-supplied values, and aliasing runs last so transforms are
// declared against the caller-facing names.
func (m *mapper) mapInput(opName string, fm *connector.FieldMapping, args map[string]interface{}) (map[string]interface{}, *Error) {
	if fm == nil {
		return args, nil
	}

	mapped := make(map[string]interface{}, len(args)+len(fm.Defaults))
	for k, v := range args {
		mapped[k] = v
	}

	for name, val := range fm.Defaults {
		if _, ok := mapped[name]; !ok {
			mapped[name] = val
		}
	}

	for name, transformName := range fm.InputTransforms {
		val, ok := mapped[name]
		if !ok || val == nil {
			continue
		}
		fn, ok := namedTransforms[transformName]
		if !ok {
			return nil, &Error{
				Type:      ErrorTypeTemplate,
				Operation: opName,
				Message:   fmt.Sprintf("unknown input transform %q for parameter %s", transformName, name),
			}
		}
		out, err := fn(val)
		if err != nil {
			return nil, &Error{
				Type:       ErrorTypeValidation,
				Operation:  opName,
				Message:    "input transform failed",
				Violations: []Violation{{Parameter: name, Rule: transformName, Message: err.Error()}},
			}
		}
		mapped[name] = out
	}

	for from, to := range fm.Aliases {
		if val, ok := mapped[from]; ok {
			delete(mapped, from)
			mapped[to] = val
		}
	}

	return mapped, nil
}

// mapOutput shapes a decoded response payload: per-field transforms
// first, then the whole-payload jq transform.
func (m *mapper) mapOutput(ctx context.Context, opName string, fm *connector.FieldMapping, payload interface{}) (interface{}, *Error) {
	if fm == nil {
		return payload, nil
	}

	if len(fm.OutputFieldTransforms) > 0 {
		obj, ok := payload.(map[string]interface{})
		if ok {
			shaped := make(map[string]interface{}, len(obj))
			for k, v := range obj {
				shaped[k] = v
			}
			for field, transformName := range fm.OutputFieldTransforms {
				val, ok := shaped[field]
				if !ok || val == nil {
					continue
				}
				fn, ok := namedTransforms[transformName]
				if !ok {
					return nil, &Error{
						Type:      ErrorTypeTemplate,
						Operation: opName,
						Message:   fmt.Sprintf("unknown output transform %q for field %s", transformName, field),
					}
				}
				out, err := fn(val)
				if err != nil {
					// A malformed field in an otherwise good response is
					// not worth failing the call over.
					continue
				}
				shaped[field] = out
			}
			payload = shaped
		}
	}

	if fm.OutputTransform != "" {
		out, err := m.jq.Execute(ctx, fm.OutputTransform, payload)
		if err != nil {
			return nil, &Error{
				Type:      ErrorTypeTemplate,
				Operation: opName,
				Message:   fmt.Sprintf("output transform failed: %v", err),
				Cause:     err,
			}
		}
		payload = out
	}

	return payload, nil
}

// validateTransformNames checks every transform reference in a mapping
// resolves, so bad definitions fail at load rather than call time.
func validateTransformNames(fm *connector.FieldMapping) error {
	if fm == nil {
		return nil
	}
	for param, name := range fm.InputTransforms {
		if _, ok := namedTransforms[name]; !ok {
			return fmt.Errorf("unknown input transform %q for parameter %s", name, param)
		}
	}
	for field, name := range fm.OutputFieldTransforms {
		if _, ok := namedTransforms[name]; !ok {
			return fmt.Errorf("unknown output transform %q for field %s", name, field)
		}
	}
	return nil
}
