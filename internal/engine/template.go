package engine

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/apifuse/apifuse/pkg/connector"
)

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// resolvedRequest is the outcome of template resolution: the final path
// plus the arguments that did not bind to a placeholder, split into
// query and body according to the operation's declaration.
type resolvedRequest struct {
	path  string
	query url.Values
	body  map[string]interface{}
}

// resolveTemplate substitutes {placeholder} segments in the operation
// path with argument values. Consumed arguments are removed from the
// remainder; what is left becomes the query string for reads or is
// split between body and query for writes. Values are percent-encoded
// and checked for traversal sequences before substitution.
func resolveTemplate(opName string, op *connector.Operation, args map[string]interface{}) (*resolvedRequest, *Error) {
	path := op.Path
	if ce := conditionalPath(op, args); ce != "" {
		path = ce
	}

	remaining := make(map[string]interface{}, len(args))
	for k, v := range args {
		remaining[k] = v
	}

	var templateErr *Error
	resolved := placeholderPattern.ReplaceAllStringFunc(path, func(match string) string {
		name := match[1 : len(match)-1]
		val, ok := remaining[name]
		if !ok || val == nil {
			if templateErr == nil {
				templateErr = newTemplateError(opName, name)
			}
			return match
		}
		delete(remaining, name)

		str := stringify(val)
		if err := validatePathSegment(str); err != nil {
			if templateErr == nil {
				templateErr = &Error{
					Type:      ErrorTypeTemplate,
					Operation: opName,
					Message:   fmt.Sprintf("invalid value for path placeholder {%s}: %v", name, err),
				}
			}
			return match
		}
		return url.PathEscape(str)
	})
	if templateErr != nil {
		return nil, templateErr
	}

	req := &resolvedRequest{
		path:  resolved,
		query: url.Values{},
	}

	bodyParams := make(map[string]bool, len(op.BodyParams))
	for _, name := range op.BodyParams {
		bodyParams[name] = true
	}

	for name, val := range remaining {
		switch {
		case op.IsRead():
			req.query.Set(name, stringify(val))
		case len(op.BodyParams) > 0 && !bodyParams[name]:
			req.query.Set(name, stringify(val))
		default:
			if req.body == nil {
				req.body = make(map[string]interface{})
			}
			req.body[name] = val
		}
	}

	return req, nil
}

// conditionalPath returns an alternate endpoint when the operation
// declares one and its trigger parameter is present and truthy.
func conditionalPath(op *connector.Operation, args map[string]interface{}) string {
	if op.FieldMapping == nil || op.FieldMapping.ConditionalEndpoint == nil {
		return ""
	}
	ce := op.FieldMapping.ConditionalEndpoint
	val, ok := args[ce.Trigger]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case bool:
		if !v {
			return ""
		}
	case string:
		if v == "" || v == "false" {
			return ""
		}
	}
	return ce.Path
}

// validatePathSegment rejects values that would escape their path
// segment once substituted. Encoded forms are checked too since some
// servers decode before routing.
func validatePathSegment(value string) error {
	if value == "" {
		return fmt.Errorf("empty value")
	}
	lower := strings.ToLower(value)
	for _, bad := range []string{"..", "/", "\\", "%2e%2e", "%2f", "%5c", "\x00"} {
		if strings.Contains(lower, bad) {
			return fmt.Errorf("contains forbidden sequence %q", bad)
		}
	}
	return nil
}

// stringify renders an argument value for a path or query position.
func stringify(val interface{}) string {
	switch v := val.(type) {
	case string:
		return v
	case float64:
		// JSON numbers arrive as float64; render integral values as
		// plain integers so large IDs do not turn into 1.23e+08.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
