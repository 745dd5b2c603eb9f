package engine

import (
	"testing"

	"github.com/apifuse/apifuse/pkg/connector"
)

func TestResolveTemplate(t *testing.T) {
	op := &connector.Operation{
		Method: "GET",
		Path:   "/repos/{owner}/{repo}/issues",
	}

	resolved, err := resolveTemplate("list_issues", op, map[string]interface{}{
		"owner": "octocat",
		"repo":  "hello-world",
		"state": "open",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.path != "/repos/octocat/hello-world/issues" {
		t.Errorf("path = %q", resolved.path)
	}
	if got := resolved.query.Get("state"); got != "open" {
		t.Errorf("query state = %q, want open", got)
	}
	if resolved.body != nil {
		t.Error("GET should not produce a body")
	}
}

func TestResolveTemplateMissingPlaceholder(t *testing.T) {
	op := &connector.Operation{Method: "GET", Path: "/users/{id}"}

	_, err := resolveTemplate("get_user", op, map[string]interface{}{})
	if err == nil {
		t.Fatal("expected template error")
	}
	if err.Type != ErrorTypeTemplate {
		t.Errorf("Type = %q, want template_error", err.Type)
	}
}

func TestResolveTemplateRejectsTraversal(t *testing.T) {
	op := &connector.Operation{Method: "GET", Path: "/files/{name}"}

	for _, bad := range []string{"../etc/passwd", "a/b", "a\\b", "%2e%2e", "x%2Fy"} {
		_, err := resolveTemplate("get_file", op, map[string]interface{}{"name": bad})
		if err == nil {
			t.Errorf("value %q should be rejected", bad)
			continue
		}
		if err.Type != ErrorTypeTemplate {
			t.Errorf("value %q: Type = %q, want template_error", bad, err.Type)
		}
	}
}

func TestResolveTemplateEscapesValues(t *testing.T) {
	op := &connector.Operation{Method: "GET", Path: "/tags/{tag}"}

	resolved, err := resolveTemplate("get_tag", op, map[string]interface{}{"tag": "a b&c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.path != "/tags/a%20b&c" {
		t.Errorf("path = %q", resolved.path)
	}
}

func TestResolveTemplateNumericValues(t *testing.T) {
	op := &connector.Operation{Method: "GET", Path: "/orders/{id}"}

	// Decoded JSON carries numbers as float64.
	resolved, err := resolveTemplate("get_order", op, map[string]interface{}{"id": float64(123456789)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.path != "/orders/123456789" {
		t.Errorf("path = %q", resolved.path)
	}
}

func TestResolveTemplateBodySplit(t *testing.T) {
	op := &connector.Operation{
		Method:     "POST",
		Path:       "/items/{id}/comments",
		BodyParams: []string{"text"},
	}

	resolved, err := resolveTemplate("comment", op, map[string]interface{}{
		"id":     "42",
		"text":   "hello",
		"notify": true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.body["text"] != "hello" {
		t.Errorf("body = %v, want text in body", resolved.body)
	}
	if _, inBody := resolved.body["notify"]; inBody {
		t.Error("notify is not a declared body param, belongs in query")
	}
	if got := resolved.query.Get("notify"); got != "true" {
		t.Errorf("query notify = %q, want true", got)
	}
}

func TestResolveTemplateDefaultBodyForWrites(t *testing.T) {
	op := &connector.Operation{Method: "POST", Path: "/records"}

	resolved, err := resolveTemplate("create", op, map[string]interface{}{
		"name": "widget",
		"tags": []interface{}{"a", "b"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resolved.body) != 2 {
		t.Errorf("body = %v, want both params", resolved.body)
	}
	if len(resolved.query) != 0 {
		t.Errorf("query = %v, want empty", resolved.query)
	}
}

func TestConditionalEndpoint(t *testing.T) {
	op := &connector.Operation{
		Method: "POST",
		Path:   "/messages",
		FieldMapping: &connector.FieldMapping{
			ConditionalEndpoint: &connector.ConditionalEndpoint{
				Trigger: "broadcast",
				Path:    "/messages/broadcast",
			},
		},
	}

	resolved, err := resolveTemplate("send", op, map[string]interface{}{"text": "hi", "broadcast": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.path != "/messages/broadcast" {
		t.Errorf("path = %q, want broadcast endpoint", resolved.path)
	}

	resolved, err = resolveTemplate("send", op, map[string]interface{}{"text": "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.path != "/messages" {
		t.Errorf("path = %q, want default endpoint", resolved.path)
	}

	resolved, err = resolveTemplate("send", op, map[string]interface{}{"text": "hi", "broadcast": false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.path != "/messages" {
		t.Errorf("path = %q, false trigger should keep default", resolved.path)
	}
}
