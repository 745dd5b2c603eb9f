package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apifuse/apifuse/pkg/connector"
)

func TestExtractPageCursor(t *testing.T) {
	pg := &connector.Pagination{
		Style:           connector.PaginationCursor,
		ItemsField:      "channels",
		CursorParam:     "cursor",
		NextCursorField: "response_metadata.next_cursor",
	}

	payload := map[string]interface{}{
		"channels": []interface{}{"a", "b"},
		"response_metadata": map[string]interface{}{
			"next_cursor": "cur-2",
		},
	}
	page, err := extractPage(pg, map[string]interface{}{}, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Items) != 2 {
		t.Errorf("Items = %v", page.Items)
	}
	if !page.HasMore || page.NextCursor != "cur-2" {
		t.Errorf("HasMore = %v, NextCursor = %q", page.HasMore, page.NextCursor)
	}

	// Empty cursor means exhaustion.
	payload["response_metadata"] = map[string]interface{}{"next_cursor": ""}
	page, err = extractPage(pg, map[string]interface{}{}, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.HasMore {
		t.Error("empty cursor should end pagination")
	}
}

func TestExtractPageOffsetWithTotal(t *testing.T) {
	pg := &connector.Pagination{
		Style:       connector.PaginationOffset,
		ItemsField:  "items",
		OffsetParam: "offset",
		LimitParam:  "limit",
		TotalField:  "total",
	}

	payload := map[string]interface{}{
		"items": []interface{}{1, 2, 3},
		"total": float64(5),
	}
	page, err := extractPage(pg, map[string]interface{}{"offset": 0, "limit": 3}, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.NextOffset != 3 || !page.HasMore {
		t.Errorf("NextOffset = %d, HasMore = %v", page.NextOffset, page.HasMore)
	}

	page, err = extractPage(pg, map[string]interface{}{"offset": 3, "limit": 3}, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 3 + 3 items >= total 5... but this page only returned 3 items again;
	// next offset 6 is past the total, so the drain stops.
	if page.HasMore {
		t.Error("offset past total should end pagination")
	}
}

func TestExtractPageOffsetShortPage(t *testing.T) {
	pg := &connector.Pagination{
		Style:       connector.PaginationOffset,
		ItemsField:  "items",
		OffsetParam: "offset",
		LimitParam:  "limit",
	}

	payload := map[string]interface{}{"items": []interface{}{1}}
	page, err := extractPage(pg, map[string]interface{}{"offset": 0, "limit": 3}, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.HasMore {
		t.Error("a short page without a total should end pagination")
	}
}

func TestExtractPageItemsNotArray(t *testing.T) {
	pg := &connector.Pagination{
		Style:           connector.PaginationCursor,
		ItemsField:      "data",
		CursorParam:     "cursor",
		NextCursorField: "next",
	}
	_, err := extractPage(pg, map[string]interface{}{}, map[string]interface{}{"data": "oops"})
	if err == nil {
		t.Fatal("non-array items field should error")
	}
}

func paginatedServer(t *testing.T, pages []map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := 0
		if cursor := r.URL.Query().Get("cursor"); cursor != "" {
			fmt.Sscanf(cursor, "page-%d", &idx)
		}
		if idx >= len(pages) {
			t.Errorf("requested page %d beyond fixture", idx)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pages[idx])
	}))
}

func paginatedDefinition(baseURL string) *connector.Definition {
	return &connector.Definition{
		Name:    "pager",
		BaseURL: baseURL,
		Operations: map[string]connector.Operation{
			"list_records": {
				Method:         "GET",
				Path:           "/records",
				OptionalParams: []string{"cursor", "limit"},
				Pagination: &connector.Pagination{
					Style:           connector.PaginationCursor,
					ItemsField:      "records",
					CursorParam:     "cursor",
					NextCursorField: "next_cursor",
					LimitParam:      "limit",
					DefaultPageSize: 2,
				},
			},
		},
	}
}

func TestDrainThreePages(t *testing.T) {
	srv := paginatedServer(t, []map[string]interface{}{
		{"records": []interface{}{"r1", "r2"}, "next_cursor": "page-1"},
		{"records": []interface{}{"r3", "r4"}, "next_cursor": "page-2"},
		{"records": []interface{}{"r5"}},
	})
	defer srv.Close()

	eng, err := New(paginatedDefinition(srv.URL), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	items, err := eng.Drain(context.Background(), "list_records", nil, 0)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(items) != 5 {
		t.Errorf("got %d items, want 5: %v", len(items), items)
	}
	if items[0] != "r1" || items[4] != "r5" {
		t.Errorf("items out of order: %v", items)
	}
}

func TestDrainReturnsPartialOnFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"records":     []interface{}{"r1", "r2"},
				"next_cursor": "page-1",
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	eng, err := New(paginatedDefinition(srv.URL), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	items, err := eng.Drain(context.Background(), "list_records", nil, 0)
	if err == nil {
		t.Fatal("expected error from second page")
	}
	if len(items) != 2 {
		t.Errorf("partial items = %v, want the first page", items)
	}
}

func TestFetchPageRequiresPagination(t *testing.T) {
	def := paginatedDefinition("http://unused.example")
	op := def.Operations["list_records"]
	op.Pagination = nil
	def.Operations["plain"] = op

	eng, err := New(def)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.FetchPage(context.Background(), "plain", nil); err == nil {
		t.Fatal("operation without pagination should be rejected")
	}
}

func TestMaxPagesBound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"records":     []interface{}{"x", "y"},
			"next_cursor": "page-next",
		})
	}))
	defer srv.Close()

	eng, err := New(paginatedDefinition(srv.URL), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	items, err := eng.Drain(context.Background(), "list_records", nil, 3)
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("err = %v, want ErrTruncated when the bound cuts a live drain", err)
	}
	if len(items) != 6 {
		t.Errorf("got %d items, want 6 (3 pages of 2)", len(items))
	}
}
