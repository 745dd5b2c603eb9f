package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apifuse/apifuse/pkg/connector"
)

func recordsDefinition(baseURL string) *connector.Definition {
	return &connector.Definition{
		Name:    "records",
		BaseURL: baseURL,
		Cache:   &connector.CachePolicy{Enabled: true, TTLSeconds: 60},
		Retry:   &connector.RetryPolicy{MaxAttempts: 3, BackoffBaseSeconds: 0.001, BackoffMaxSeconds: 0.01},
		Operations: map[string]connector.Operation{
			"list_records": {
				Method:         "GET",
				Path:           "/records",
				OptionalParams: []string{"limit"},
				ResourceFamily: "records",
			},
			"get_record": {
				Method:         "GET",
				Path:           "/records/{id}",
				RequiredParams: []string{"id"},
				ResourceFamily: "records",
			},
			"create_record": {
				Method:         "POST",
				Path:           "/records",
				RequiredParams: []string{"name"},
				BodyParams:     []string{"name"},
				ResourceFamily: "records",
			},
			"delete_record": {
				Method:         "DELETE",
				Path:           "/records/{id}",
				RequiredParams: []string{"id"},
				ResourceFamily: "records",
				ErrorMessages:  map[int]string{404: "Record already removed"},
			},
		},
	}
}

func TestExecuteEndToEnd(t *testing.T) {
	var listCalls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", "req-1")
		switch {
		case r.Method == "GET" && r.URL.Path == "/records":
			atomic.AddInt64(&listCalls, 1)
			json.NewEncoder(w).Encode(map[string]interface{}{"records": []interface{}{"a"}})
		case r.Method == "POST" && r.URL.Path == "/records":
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "widget", body["name"])
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]interface{}{"id": "r-1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	eng, err := New(recordsDefinition(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	// First read goes to the wire.
	res, err := eng.Execute(context.Background(), "list_records", nil)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "req-1", res.Metadata["request_id"])

	// Second identical read is served from cache.
	res, err = eng.Execute(context.Background(), "list_records", nil)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.EqualValues(t, 1, atomic.LoadInt64(&listCalls))

	// A successful mutation in the same family invalidates the cache.
	_, err = eng.Execute(context.Background(), "create_record", map[string]interface{}{"name": "widget"})
	require.NoError(t, err)

	res, err = eng.Execute(context.Background(), "list_records", nil)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.EqualValues(t, 2, atomic.LoadInt64(&listCalls))
}

func TestExecuteCachedResultsAreIsolated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"records": []interface{}{"a"}})
	}))
	defer srv.Close()

	eng, err := New(recordsDefinition(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	first, err := eng.Execute(context.Background(), "list_records", nil)
	require.NoError(t, err)

	// Mutating one caller's payload must not leak into later hits.
	first.Response.(map[string]interface{})["records"] = "poisoned"

	second, err := eng.Execute(context.Background(), "list_records", nil)
	require.NoError(t, err)
	require.True(t, second.FromCache)
	records, ok := second.Response.(map[string]interface{})["records"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"a"}, records)

	second.Response.(map[string]interface{})["records"] = "poisoned again"
	third, err := eng.Execute(context.Background(), "list_records", nil)
	require.NoError(t, err)
	require.True(t, third.FromCache)
	_, ok = third.Response.(map[string]interface{})["records"].([]interface{})
	assert.True(t, ok)
}

func TestExecuteRetriesServerErrors(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
	}))
	defer srv.Close()

	eng, err := New(recordsDefinition(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	res, err := eng.Execute(context.Background(), "get_record", map[string]interface{}{"id": "7"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.EqualValues(t, 3, atomic.LoadInt64(&calls))
}

func TestExecuteCustomErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	eng, err := New(recordsDefinition(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = eng.Execute(context.Background(), "delete_record", map[string]interface{}{"id": "9"})
	require.Error(t, err)

	typed, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrorTypeNotFound, typed.Type)
	assert.Equal(t, "Record already removed", typed.Message)
}

func TestExecuteValidationShortCircuits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("validation failures must never reach the wire")
	}))
	defer srv.Close()

	eng, err := New(recordsDefinition(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = eng.Execute(context.Background(), "create_record", map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, ErrorTypeValidation, err.(*Error).Type)
}

func TestExecuteUnknownOperation(t *testing.T) {
	eng, err := New(recordsDefinition("http://unused.example"))
	require.NoError(t, err)

	_, err = eng.Execute(context.Background(), "no_such_op", nil)
	require.Error(t, err)
	assert.Equal(t, ErrorTypeValidation, err.(*Error).Type)
}

func TestExecuteFailuresNotCached(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	def := recordsDefinition(srv.URL)
	def.Retry = &connector.RetryPolicy{MaxAttempts: 2, BackoffBaseSeconds: 0.001}
	eng, err := New(def, WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = eng.Execute(context.Background(), "list_records", nil)
	require.Error(t, err)
	typed := err.(*Error)
	assert.Equal(t, ErrorTypeRateLimited, typed.Type)
	assert.Equal(t, 2, typed.Attempts)
	// Failures are never cached.
	_, err = eng.Execute(context.Background(), "list_records", nil)
	require.Error(t, err)
	assert.EqualValues(t, 4, atomic.LoadInt64(&calls))
}

func TestOperationsDiscovery(t *testing.T) {
	eng, err := New(recordsDefinition("http://unused.example"))
	require.NoError(t, err)

	names := eng.Operations()
	assert.Equal(t, []string{"create_record", "delete_record", "get_record", "list_records"}, names)

	op, ok := eng.OperationSchema("get_record")
	require.True(t, ok)
	assert.Equal(t, "GET", op.Method)
	assert.Equal(t, []string{"id"}, op.RequiredParams)

	_, ok = eng.OperationSchema("nope")
	assert.False(t, ok)
}

func TestRegistryRoutes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
	}))
	defer srv.Close()

	reg := NewRegistry(WithHTTPClient(srv.Client()))
	_, err := reg.Register(recordsDefinition(srv.URL))
	require.NoError(t, err)

	res, err := reg.Execute(context.Background(), "records", "get_record", map[string]interface{}{"id": "1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	_, err = reg.Execute(context.Background(), "ghost", "get_record", nil)
	require.Error(t, err)

	assert.Equal(t, []string{"records"}, reg.Connectors())
	reg.Deregister("records")
	assert.Empty(t, reg.Connectors())
}

func TestNonJSONResponsePassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	eng, err := New(recordsDefinition(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	res, err := eng.Execute(context.Background(), "get_record", map[string]interface{}{"id": "1"})
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Response)
}
