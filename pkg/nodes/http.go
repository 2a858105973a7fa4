package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/value"
)

// HTTP performs a single request and exposes {status, headers, body}. The
// body is decoded as a value tree when the response declares a JSON content
// type; otherwise it stays a string. Statuses of 400 and above fail the node
// unless ignore_status is set.
type HTTP struct {
	// Client overrides the default client; tests inject httptest clients.
	Client *http.Client
}

func (h *HTTP) Execute(ctx context.Context, params map[string]any, rt *Runtime) (any, error) {
	url, err := requireString(params, "url")
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(optionalString(params, "method", "GET"))

	var bodyReader io.Reader
	if raw, ok := params["body"]; ok && raw != nil {
		switch b := raw.(type) {
		case string:
			bodyReader = strings.NewReader(b)
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("%w: http: encode body: %v", ErrHandler, err)
			}
			bodyReader = bytes.NewReader(encoded)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: http: %v", ErrHandler, err)
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, value.Stringify(v))
		}
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	rt.Logger.Debug("http request", zap.String("method", method), zap.String("url", url))

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: http: %v", ErrHandler, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: http: read body: %v", ErrHandler, err)
	}

	var body any = string(raw)
	if isJSONContentType(resp.Header.Get("Content-Type")) && len(raw) > 0 {
		body = value.FromJSON(raw)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	out := map[string]any{
		"status":  int64(resp.StatusCode),
		"headers": respHeaders,
		"body":    body,
	}
	if resp.StatusCode >= 400 && !optionalBool(params, "ignore_status") {
		return out, fmt.Errorf("%w: http status %d from %s", ErrHandler, resp.StatusCode, url)
	}
	return out, nil
}

func isJSONContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "application/json") || strings.Contains(ct, "+json")
}
