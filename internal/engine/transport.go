package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/apifuse/apifuse/pkg/connector"
)

const maxResponseBytes = 32 * 1024 * 1024

// requestIDHeaders are checked in order when extracting the service's
// request identifier from a response.
var requestIDHeaders = []string{
	"X-Request-Id",
	"X-Request-ID",
	"Request-Id",
	"x-amzn-RequestId",
	"x-amz-request-id",
	"X-GitHub-Request-Id",
}

// newHTTPClient builds a client honoring the connector's timeout policy:
// connect budget on the dialer, read budget on the response header wait.
// The total budget is enforced per call via context deadline, not here,
// so retries inside one call share it.
func newHTTPClient(timeouts connector.TimeoutPolicy) *http.Client {
	connect := time.Duration(timeouts.ConnectSeconds) * time.Second
	if connect <= 0 {
		connect = 10 * time.Second
	}
	read := time.Duration(timeouts.ReadSeconds) * time.Second
	if read <= 0 {
		read = 30 * time.Second
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   connect,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: read,
			TLSHandshakeTimeout:   connect,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// rawResponse is one HTTP exchange before payload decoding.
type rawResponse struct {
	statusCode int
	status     string
	headers    http.Header
	body       []byte
	requestID  string
}

// buildRequest assembles the outgoing request from the resolved
// template. Connector headers apply first so operations can override
// them. All header values pass the injection guard.
func buildRequest(ctx context.Context, def *connector.Definition, opName string, op *connector.Operation, resolved *resolvedRequest) (*http.Request, []byte, *Error) {
	fullURL := strings.TrimSuffix(def.BaseURL, "/") + resolved.path
	if encoded := resolved.query.Encode(); encoded != "" {
		sep := "?"
		if strings.Contains(fullURL, "?") {
			sep = "&"
		}
		fullURL += sep + encoded
	}

	var bodyBytes []byte
	var body io.Reader
	if resolved.body != nil {
		encoded, err := json.Marshal(resolved.body)
		if err != nil {
			return nil, nil, &Error{
				Type:      ErrorTypeTemplate,
				Operation: opName,
				Message:   "encode request body",
				Cause:     err,
			}
		}
		bodyBytes = encoded
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, fullURL, body)
	if err != nil {
		return nil, nil, &Error{
			Type:      ErrorTypeTemplate,
			Operation: opName,
			Message:   "build request",
			Cause:     err,
		}
	}

	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	for name, value := range def.Headers {
		expanded, err := connector.ExpandEnvVar(value)
		if err != nil {
			return nil, nil, newAuthError(opName, err)
		}
		if err := validateHeaderValue(name, expanded); err != nil {
			return nil, nil, &Error{Type: ErrorTypeValidation, Operation: opName, Message: err.Error()}
		}
		req.Header.Set(name, expanded)
	}
	for name, value := range op.Headers {
		expanded, err := connector.ExpandEnvVar(value)
		if err != nil {
			return nil, nil, newAuthError(opName, err)
		}
		if err := validateHeaderValue(name, expanded); err != nil {
			return nil, nil, &Error{Type: ErrorTypeValidation, Operation: opName, Message: err.Error()}
		}
		req.Header.Set(name, expanded)
	}

	return req, bodyBytes, nil
}

// send performs one exchange and reads the bounded body.
func send(client *http.Client, req *http.Request) (*rawResponse, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	raw := &rawResponse{
		statusCode: resp.StatusCode,
		status:     resp.Status,
		headers:    resp.Header,
		body:       body,
	}
	for _, h := range requestIDHeaders {
		if id := resp.Header.Get(h); id != "" {
			raw.requestID = id
			break
		}
	}
	return raw, nil
}

// validateHeaderValue rejects CR/LF in header names and values so
// argument data can never smuggle extra headers onto the wire.
func validateHeaderValue(name, value string) error {
	if strings.ContainsAny(name, "\r\n\x00") {
		return fmt.Errorf("header name %q contains control characters", name)
	}
	if strings.ContainsAny(value, "\r\n\x00") {
		return fmt.Errorf("header %s value contains control characters", name)
	}
	return nil
}

// maskSensitiveHeaders returns a copy of headers safe for logging.
func maskSensitiveHeaders(headers http.Header) map[string]string {
	sensitive := map[string]bool{
		"authorization":       true,
		"x-api-key":           true,
		"api-key":             true,
		"x-auth-token":        true,
		"proxy-authorization": true,
		"cookie":              true,
		"set-cookie":          true,
	}
	masked := make(map[string]string, len(headers))
	for name, values := range headers {
		if sensitive[strings.ToLower(name)] {
			masked[name] = "[REDACTED]"
			continue
		}
		masked[name] = strings.Join(values, ", ")
	}
	return masked
}
