package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPAdapter calls an arbitrary JSON endpoint and maps fields of the
// response back to a CaseOutput using gjson paths ("data.items.0.text").
type HTTPAdapter struct {
	client        *http.Client
	endpoint      string
	method        string
	headers       map[string]string
	bodyTemplate  map[string]any
	answerPath    string
	contextsPath  string
	toolCallsPath string
	limiter       *rate.Limiter
}

// NewHTTPFactory returns a Factory for the "http" adapter.
func NewHTTPFactory() Factory {
	return func(cfg Config) (Adapter, error) {
		endpoint := cfg.String("endpoint_url", "")
		if endpoint == "" {
			return nil, fmt.Errorf("endpoint_url is required")
		}
		method := strings.ToUpper(cfg.String("method", http.MethodPost))
		if method != http.MethodPost && method != http.MethodGet {
			return nil, fmt.Errorf("unsupported HTTP method: %s", method)
		}

		timeout := defaultHTTPTimeout
		if secs := cfg.Float("timeout", 0); secs > 0 {
			timeout = time.Duration(secs * float64(time.Second))
		}

		tmpl := cfg.Map("request_body_template")
		if tmpl == nil {
			tmpl = map[string]any{"query": "{{query}}"}
		}

		a := &HTTPAdapter{
			client:        &http.Client{Timeout: timeout},
			endpoint:      endpoint,
			method:        method,
			headers:       cfg.StringMap("headers"),
			bodyTemplate:  tmpl,
			answerPath:    cfg.String("response_answer_path", "answer"),
			contextsPath:  cfg.String("response_contexts_path", ""),
			toolCallsPath: cfg.String("response_tool_calls_path", ""),
		}
		if rps := cfg.Float("requests_per_second", 0); rps > 0 {
			a.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
		return a, nil
	}
}

// Run implements Adapter.
func (a *HTTPAdapter) Run(ctx context.Context, query string, input map[string]any) (*CaseOutput, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	body, _ := expandTemplate(a.bodyTemplate, query, input).(map[string]any)

	req, err := a.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", a.endpoint, err)
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}

	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("failed to decode response: invalid JSON")
	}

	out := &CaseOutput{
		Metadata: map[string]any{
			"endpoint_url": a.endpoint,
			"status_code":  resp.StatusCode,
			"latency_ms":   latency.Milliseconds(),
		},
	}

	if answer := lookupPath(raw, a.answerPath); present(answer) {
		out.Answer = answer.String()
	} else {
		out.Answer = string(raw)
	}

	if contexts := lookupPath(raw, a.contextsPath); contexts.IsArray() {
		for _, c := range contexts.Array() {
			out.RetrievedContexts = append(out.RetrievedContexts, c.String())
		}
	} else if present(contexts) {
		out.RetrievedContexts = []string{contexts.String()}
	}

	if calls := lookupPath(raw, a.toolCallsPath); calls.IsArray() {
		for _, c := range calls.Array() {
			if tc, ok := parseToolCall(c.Value()); ok {
				out.ToolCalls = append(out.ToolCalls, tc)
			}
		}
	}

	return out, nil
}

func (a *HTTPAdapter) newRequest(ctx context.Context, body map[string]any) (*http.Request, error) {
	if a.method == http.MethodGet {
		u, err := url.Parse(a.endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint_url: %w", err)
		}
		q := u.Query()
		for k, v := range body {
			q.Set(k, stringify(v))
		}
		u.RawQuery = q.Encode()
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// expandTemplate substitutes {{query}} and {{context.<key>}} in every string
// of the template, recursively.
func expandTemplate(v any, query string, input map[string]any) any {
	switch t := v.(type) {
	case string:
		s := strings.ReplaceAll(t, "{{query}}", query)
		for k, val := range input {
			s = strings.ReplaceAll(s, "{{context."+k+"}}", stringify(val))
		}
		return s
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = expandTemplate(val, query, input)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = expandTemplate(val, query, input)
		}
		return out
	default:
		return v
	}
}

// lookupPath reads a gjson path ("data.items.0.text") from a JSON body.
// An empty path matches nothing.
func lookupPath(raw []byte, path string) gjson.Result {
	if path == "" {
		return gjson.Result{}
	}
	return gjson.GetBytes(raw, path)
}

func present(r gjson.Result) bool {
	return r.Exists() && r.Type != gjson.Null
}

func parseToolCall(v any) (ToolCall, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return ToolCall{}, false
	}
	name, _ := m["tool"].(string)
	if name == "" {
		name, _ = m["name"].(string)
	}
	if name == "" {
		name = "unknown"
	}
	args, _ := m["args"].(map[string]any)
	if args == nil {
		args, _ = m["arguments"].(map[string]any)
	}
	return ToolCall{Tool: name, Args: args, Result: m["result"]}, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64, bool, int, int64:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
