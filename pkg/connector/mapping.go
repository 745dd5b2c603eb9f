package connector

import "fmt"

// FieldMapping controls how caller arguments become wire fields and how
// response payloads are shaped before returning to the caller.
type FieldMapping struct {
	// Aliases renames argument keys to wire field names before they are
	// placed in the query string or body.
	Aliases map[string]string `yaml:"aliases,omitempty" json:"aliases,omitempty"`

	// InputTransforms maps parameter names to named value transforms
	// applied before transmission (e.g., "date_rfc3339", "phone_digits").
	InputTransforms map[string]string `yaml:"input_transforms,omitempty" json:"input_transforms,omitempty"`

	// OutputTransform is a jq expression applied to the whole response
	// payload before returning to the caller.
	OutputTransform string `yaml:"output_transform,omitempty" json:"output_transform,omitempty"`

	// OutputFieldTransforms maps top-level response fields to named value
	// transforms (e.g., "created": "epoch_to_iso8601").
	OutputFieldTransforms map[string]string `yaml:"output_field_transforms,omitempty" json:"output_field_transforms,omitempty"`

	// Defaults supplies query/body values when the caller omits them
	Defaults map[string]interface{} `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// ConditionalEndpoint swaps the path template when a trigger
	// parameter is present.
	ConditionalEndpoint *ConditionalEndpoint `yaml:"conditional_endpoint,omitempty" json:"conditional_endpoint,omitempty"`

	// ArrayDefaults holds sample shapes for array-typed parameters.
	// Informational only; never enforced at runtime.
	ArrayDefaults map[string]interface{} `yaml:"array_defaults,omitempty" json:"array_defaults,omitempty"`
}

// ConditionalEndpoint swaps the operation path when Trigger is present in
// the sanitized argument map. The alternate template may reference the
// trigger as a path placeholder.
type ConditionalEndpoint struct {
	// Trigger is the parameter whose presence selects the alternate path
	Trigger string `yaml:"trigger" json:"trigger"`

	// Path is the alternate path template
	Path string `yaml:"path" json:"path"`
}

// Validate checks the field mapping is well-formed.
func (f *FieldMapping) Validate() error {
	for param, alias := range f.Aliases {
		if alias == "" {
			return fmt.Errorf("alias for parameter %s cannot be empty", param)
		}
	}
	if f.ConditionalEndpoint != nil {
		if f.ConditionalEndpoint.Trigger == "" {
			return fmt.Errorf("conditional_endpoint trigger is required")
		}
		if f.ConditionalEndpoint.Path == "" {
			return fmt.Errorf("conditional_endpoint path is required")
		}
	}
	return nil
}

// PaginationStyle discriminates the two supported pagination contracts.
type PaginationStyle string

const (
	// PaginationCursor continues with an opaque token until the server
	// omits the next-cursor field
	PaginationCursor PaginationStyle = "cursor"

	// PaginationOffset continues with numeric offset/limit until a short
	// page or the total count is reached
	PaginationOffset PaginationStyle = "offset"
)

// Pagination describes how an operation's list responses continue.
type Pagination struct {
	Style PaginationStyle `yaml:"style" json:"style"`

	// ItemsField is the response field holding the page items.
	// Empty means the payload itself is the item array.
	ItemsField string `yaml:"items_field,omitempty" json:"items_field,omitempty"`

	// CursorParam is the request parameter carrying the cursor
	CursorParam string `yaml:"cursor_param,omitempty" json:"cursor_param,omitempty"`

	// NextCursorField is the response field holding the next cursor
	NextCursorField string `yaml:"next_cursor_field,omitempty" json:"next_cursor_field,omitempty"`

	// OffsetParam and LimitParam carry numeric offset pagination
	OffsetParam string `yaml:"offset_param,omitempty" json:"offset_param,omitempty"`
	LimitParam  string `yaml:"limit_param,omitempty" json:"limit_param,omitempty"`

	// TotalField is the response field holding the total item count
	TotalField string `yaml:"total_field,omitempty" json:"total_field,omitempty"`

	// DefaultPageSize and MaxPageSize bound the per-page limit
	DefaultPageSize int `yaml:"default_page_size,omitempty" json:"default_page_size,omitempty"`
	MaxPageSize     int `yaml:"max_page_size,omitempty" json:"max_page_size,omitempty"`
}

// Validate checks the pagination descriptor is well-formed for its style.
func (p *Pagination) Validate() error {
	switch p.Style {
	case PaginationCursor:
		if p.CursorParam == "" {
			return fmt.Errorf("cursor_param is required for cursor pagination")
		}
		if p.NextCursorField == "" {
			return fmt.Errorf("next_cursor_field is required for cursor pagination")
		}
	case PaginationOffset:
		if p.OffsetParam == "" {
			return fmt.Errorf("offset_param is required for offset pagination")
		}
		if p.LimitParam == "" {
			return fmt.Errorf("limit_param is required for offset pagination")
		}
	default:
		return fmt.Errorf("unknown pagination style: %q", p.Style)
	}
	if p.DefaultPageSize < 0 || p.MaxPageSize < 0 {
		return fmt.Errorf("page sizes must be non-negative")
	}
	if p.MaxPageSize > 0 && p.DefaultPageSize > p.MaxPageSize {
		return fmt.Errorf("default_page_size (%d) must be <= max_page_size (%d)",
			p.DefaultPageSize, p.MaxPageSize)
	}
	return nil
}
