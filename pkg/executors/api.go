package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
)

// apiCheck is one request in a suite. verify runs against the decoded
// response body once the status matched.
type apiCheck struct {
	name       string
	method     string
	path       string
	body       any
	wantStatus int
	verify     func(body map[string]any) error
}

// apiCase is the per-check record persisted in the suite artifact.
// Durations are deliberately absent so reruns produce identical evidence.
type apiCase struct {
	Name   string `json:"name"`
	Method string `json:"method"`
	Path   string `json:"path"`
	Status int    `json:"status"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// apiSuites are the named check sets against the staging fixtures.
var apiSuites = map[string][]apiCheck{
	"smoke": {
		{name: "health", method: http.MethodGet, path: "/health", wantStatus: http.StatusOK,
			verify: wantField("status", "ok")},
		{name: "products_list", method: http.MethodGet, path: "/products", wantStatus: http.StatusOK,
			verify: wantCountAtLeast(1)},
	},
	"products": {
		{name: "products_list", method: http.MethodGet, path: "/products", wantStatus: http.StatusOK,
			verify: wantCount(6)},
		{name: "product_by_id", method: http.MethodGet, path: "/products/p-003", wantStatus: http.StatusOK,
			verify: wantField("title", "4K Monitor")},
		{name: "product_missing", method: http.MethodGet, path: "/products/p-999", wantStatus: http.StatusNotFound},
	},
	"search": {
		{name: "search_title", method: http.MethodGet, path: "/search?q=monitor", wantStatus: http.StatusOK,
			verify: wantCount(2)},
		{name: "search_category", method: http.MethodGet, path: "/search?q=peripherals", wantStatus: http.StatusOK,
			verify: wantCount(2)},
		{name: "search_no_match", method: http.MethodGet, path: "/search?q=zeppelin", wantStatus: http.StatusOK,
			verify: wantCount(0)},
	},
	"cart": {
		{name: "cart_empty", method: http.MethodGet, path: "/cart", wantStatus: http.StatusOK,
			verify: wantNumber("total_usd", 0)},
		{name: "cart_add", method: http.MethodPost, path: "/cart",
			body:       map[string]any{"product_id": "p-001", "quantity": 2},
			wantStatus: http.StatusOK, verify: wantNumber("total_usd", 178)},
		{name: "cart_missing_product", method: http.MethodPost, path: "/cart",
			body:       map[string]any{"quantity": 1},
			wantStatus: http.StatusBadRequest},
	},
	"checkout": {
		{name: "checkout_confirmed", method: http.MethodPost, path: "/checkout",
			body:       map[string]any{"product_id": "p-002", "quantity": 1, "email": "qa@example.com"},
			wantStatus: http.StatusOK, verify: wantField("order_id", "ORD-p-002-1")},
		{name: "checkout_missing_email", method: http.MethodPost, path: "/checkout",
			body:       map[string]any{"product_id": "p-002", "quantity": 1},
			wantStatus: http.StatusBadRequest},
	},
}

// apiTestExec runs a named check suite against the staging target and
// writes the evidence JSON under api/.
type apiTestExec struct {
	servers *ServerManager
}

func (e *apiTestExec) Execute(ctx context.Context, ec *graph.ExecContext) (*graph.ExecResult, error) {
	base, err := stagingBase(ec, e.servers, "API_BASE", "STAGING_URL")
	if err != nil {
		return nil, err
	}
	suite := stringParam(ec.Params, "suite", "smoke")
	out := stringParam(ec.Params, "out", "api/results.json")
	checks, ok := apiSuites[suite]
	if !ok {
		return nil, graph.Permanentf("unknown api suite %q", suite)
	}

	cases := make([]apiCase, 0, len(checks))
	failed := 0
	for _, check := range checks {
		result, err := runAPICheck(ctx, base, check)
		if err != nil {
			return nil, graph.Transient(fmt.Errorf("api check %s: %w", check.name, err))
		}
		if !result.OK {
			failed++
		}
		cases = append(cases, result)
	}

	relPath, err := writeJSONArtifact(ec, out, map[string]any{
		"suite":  suite,
		"passed": len(cases) - failed,
		"failed": failed,
		"cases":  cases,
	})
	if err != nil {
		return nil, err
	}
	if failed > 0 {
		return nil, graph.Permanentf("api suite %s: %d of %d checks failed", suite, failed, len(cases))
	}
	return &graph.ExecResult{
		Artifacts: []string{relPath},
		Metadata:  map[string]any{"suite": suite, "checks": len(cases)},
	}, nil
}

// runAPICheck performs one request. Transport errors are returned for
// retry; assertion mismatches are recorded in the case.
func runAPICheck(ctx context.Context, base string, check apiCheck) (apiCase, error) {
	result := apiCase{Name: check.name, Method: check.method, Path: check.path}

	var reqBody *bytes.Reader
	if check.body != nil {
		data, err := json.Marshal(check.body)
		if err != nil {
			return result, err
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, check.method, base+check.path, reqBody)
	if err != nil {
		return result, err
	}
	if check.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()
	result.Status = resp.StatusCode

	if resp.StatusCode != check.wantStatus {
		result.Detail = fmt.Sprintf("expected status %d, got %d", check.wantStatus, resp.StatusCode)
		return result, nil
	}
	if check.verify != nil {
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			result.Detail = fmt.Sprintf("decoding response: %v", err)
			return result, nil
		}
		if err := check.verify(body); err != nil {
			result.Detail = err.Error()
			return result, nil
		}
	}
	result.OK = true
	return result, nil
}

func wantField(key, want string) func(map[string]any) error {
	return func(body map[string]any) error {
		got, _ := body[key].(string)
		if got != want {
			return fmt.Errorf("expected %s %q, got %q", key, want, got)
		}
		return nil
	}
}

func wantNumber(key string, want float64) func(map[string]any) error {
	return func(body map[string]any) error {
		got, ok := body[key].(float64)
		if !ok || got != want {
			return fmt.Errorf("expected %s %v, got %v", key, want, body[key])
		}
		return nil
	}
}

func wantCount(want int) func(map[string]any) error {
	return func(body map[string]any) error {
		got, ok := body["count"].(float64)
		if !ok || int(got) != want {
			return fmt.Errorf("expected count %d, got %v", want, body["count"])
		}
		return nil
	}
}

func wantCountAtLeast(min int) func(map[string]any) error {
	return func(body map[string]any) error {
		got, ok := body["count"].(float64)
		if !ok || int(got) < min {
			return fmt.Errorf("expected count >= %d, got %v", min, body["count"])
		}
		return nil
	}
}
