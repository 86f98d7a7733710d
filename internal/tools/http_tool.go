package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// httpBodyLimit caps how much of a response body is returned to the model.
const httpBodyLimit = 256 * 1024

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
	http.MethodHead:   true,
}

// HTTPRequest performs an outbound HTTPS request on behalf of an agent.
// Plain http URLs are refused.
type HTTPRequest struct {
	// Client overrides the default client, used by tests.
	Client *http.Client
}

func (HTTPRequest) Name() string { return "http_request" }

func (HTTPRequest) Description() string {
	return "Perform an HTTPS request. Only https URLs are allowed. Returns status, headers, and up to 256KB of the body."
}

type httpRequestParams struct {
	URL     string            `json:"url" jsonschema_description:"Target https URL."`
	Method  string            `json:"method,omitempty" jsonschema_description:"HTTP method, default GET."`
	Headers map[string]string `json:"headers,omitempty" jsonschema_description:"Request headers."`
	Body    string            `json:"body,omitempty" jsonschema_description:"Request body for POST/PUT/PATCH."`
}

func (HTTPRequest) Parameters() json.RawMessage { return ReflectSchema(httpRequestParams{}) }

func (t HTTPRequest) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var params httpRequestParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, Errf(CodeInvalidArgs, "%v", err)
	}

	parsed, err := url.Parse(params.URL)
	if err != nil || parsed.Host == "" {
		return nil, Errf(CodeInvalidURL, "cannot parse url %q", params.URL)
	}
	if parsed.Scheme != "https" {
		return nil, Errf(CodeOnlyHTTPSAllowed, "scheme %q is not allowed, use https", parsed.Scheme)
	}

	method := strings.ToUpper(params.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return nil, Errf(CodeInvalidMethod, "method %q is not allowed", params.Method)
	}

	var body io.Reader
	if params.Body != "" {
		body = strings.NewReader(params.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), body)
	if err != nil {
		return nil, Errf(CodeInvalidURL, "%v", err)
	}
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}

	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, Errf(CodeInternal, "request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, httpBodyLimit))
	if err != nil {
		return nil, Errf(CodeInternal, "reading response: %v", err)
	}
	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &Result{Data: map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    string(data),
	}}, nil
}
