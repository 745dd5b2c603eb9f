package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/apifuse/apifuse/pkg/connector"
)

// ErrTruncated reports that Drain hit its page bound while the server
// still had more pages. The items gathered so far accompany it.
var ErrTruncated = errors.New("pagination stopped at the page bound with more pages available")

// Page is one slice of a paginated list response.
type Page struct {
	// Items are the extracted page items
	Items []interface{}

	// NextCursor continues cursor pagination; empty when exhausted
	NextCursor string

	// NextOffset continues offset pagination
	NextOffset int

	// HasMore reports whether another page is available
	HasMore bool

	// Raw is the shaped payload the items were extracted from
	Raw interface{}
}

const defaultMaxPages = 100

// FetchPage executes one page of a paginated operation. The caller's
// args may carry the cursor or offset parameter to continue from a
// previous page.
func (e *Engine) FetchPage(ctx context.Context, operation string, args map[string]interface{}) (*Page, error) {
	op, ok := e.def.Operations[operation]
	if !ok {
		return nil, e.unknownOperation(operation)
	}
	if op.Pagination == nil {
		return nil, &Error{
			Type:      ErrorTypeValidation,
			Operation: operation,
			Message:   "operation does not declare pagination",
		}
	}

	pageArgs := make(map[string]interface{}, len(args)+1)
	for k, v := range args {
		pageArgs[k] = v
	}
	applyPageSize(op.Pagination, pageArgs)

	result, err := e.Execute(ctx, operation, pageArgs)
	if err != nil {
		return nil, err
	}

	return extractPage(op.Pagination, pageArgs, result.Response)
}

// Drain fetches pages until exhaustion or maxPages, whichever comes
// first. On a mid-drain failure the items gathered so far are returned
// alongside the error so callers can keep partial progress; hitting the
// page bound with more pages pending returns them with ErrTruncated.
func (e *Engine) Drain(ctx context.Context, operation string, args map[string]interface{}, maxPages int) ([]interface{}, error) {
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	op, ok := e.def.Operations[operation]
	if !ok {
		return nil, e.unknownOperation(operation)
	}
	if op.Pagination == nil {
		return nil, &Error{
			Type:      ErrorTypeValidation,
			Operation: operation,
			Message:   "operation does not declare pagination",
		}
	}
	pg := op.Pagination

	pageArgs := make(map[string]interface{}, len(args)+2)
	for k, v := range args {
		pageArgs[k] = v
	}

	var items []interface{}
	for page := 0; page < maxPages; page++ {
		result, err := e.FetchPage(ctx, operation, pageArgs)
		if err != nil {
			return items, err
		}
		items = append(items, result.Items...)

		if !result.HasMore {
			return items, nil
		}
		switch pg.Style {
		case connector.PaginationCursor:
			pageArgs[pg.CursorParam] = result.NextCursor
		case connector.PaginationOffset:
			pageArgs[pg.OffsetParam] = result.NextOffset
		}
	}

	// The loop only exits this way with another page still pending.
	return items, ErrTruncated
}

// applyPageSize fills in the limit parameter from the declared default
// and clamps caller-supplied values to the maximum.
func applyPageSize(pg *connector.Pagination, args map[string]interface{}) {
	if pg.LimitParam == "" {
		return
	}
	if val, ok := args[pg.LimitParam]; ok {
		if n, isNum := asFloat(val); isNum && pg.MaxPageSize > 0 && int(n) > pg.MaxPageSize {
			args[pg.LimitParam] = pg.MaxPageSize
		}
		return
	}
	if pg.DefaultPageSize > 0 {
		args[pg.LimitParam] = pg.DefaultPageSize
	}
}

// extractPage pulls the item array and continuation state out of a
// shaped payload.
func extractPage(pg *connector.Pagination, args map[string]interface{}, payload interface{}) (*Page, error) {
	page := &Page{Raw: payload}

	itemsVal := payload
	if pg.ItemsField != "" {
		itemsVal = lookupField(payload, pg.ItemsField)
	}
	if itemsVal != nil {
		arr, ok := itemsVal.([]interface{})
		if !ok {
			return nil, fmt.Errorf("pagination items field %q is not an array", pg.ItemsField)
		}
		page.Items = arr
	}

	switch pg.Style {
	case connector.PaginationCursor:
		if cursor := lookupField(payload, pg.NextCursorField); cursor != nil {
			if str, ok := cursor.(string); ok && str != "" {
				page.NextCursor = str
				page.HasMore = true
			}
		}

	case connector.PaginationOffset:
		offset := 0
		if val, ok := args[pg.OffsetParam]; ok {
			if n, isNum := asFloat(val); isNum {
				offset = int(n)
			}
		}
		page.NextOffset = offset + len(page.Items)

		limit := pg.DefaultPageSize
		if val, ok := args[pg.LimitParam]; ok {
			if n, isNum := asFloat(val); isNum {
				limit = int(n)
			}
		}

		if total := lookupField(payload, pg.TotalField); total != nil {
			if n, isNum := asFloat(total); isNum {
				page.HasMore = page.NextOffset < int(n)
				break
			}
		}
		// Without a total, a full page implies more may follow.
		page.HasMore = limit > 0 && len(page.Items) == limit
	}

	return page, nil
}

// lookupField resolves a dotted field path in a decoded payload.
func lookupField(payload interface{}, path string) interface{} {
	if path == "" {
		return nil
	}
	current := payload
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = obj[part]
		if !ok {
			return nil
		}
	}
	return current
}
