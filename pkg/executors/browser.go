package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
)

// browserTestExec drives a fixture flow against the staging target and
// captures a deterministic screenshot stand-in under ui/. The viewport is
// fixed so reruns yield identical pixels.
type browserTestExec struct {
	servers *ServerManager
}

func (e *browserTestExec) Execute(ctx context.Context, ec *graph.ExecContext) (*graph.ExecResult, error) {
	base, err := stagingBase(ec, e.servers, "STAGING_URL", "API_BASE")
	if err != nil {
		return nil, err
	}
	flow := stringParam(ec.Params, "flow", "browse")
	out := stringParam(ec.Params, "out", "ui/page.png")
	width := intParam(ec.Params, "width", 1280)
	height := intParam(ec.Params, "height", 720)

	var tiles int
	var seed string
	switch flow {
	case "browse":
		page := stringParam(ec.Params, "page", "/")
		tiles, seed, err = e.browse(ctx, base, page)
	case "cart":
		product := stringParam(ec.Params, "product_id", "p-001")
		quantity := intParam(ec.Params, "quantity", 2)
		tiles, seed, err = e.cart(ctx, base, product, quantity)
	case "checkout":
		product := stringParam(ec.Params, "product_id", "p-002")
		quantity := intParam(ec.Params, "quantity", 1)
		tiles, seed, err = e.checkout(ctx, base, product, quantity)
	default:
		return nil, graph.Permanentf("unknown browser flow %q", flow)
	}
	if err != nil {
		return nil, err
	}

	data, err := encodePNG(renderPage(width, height, tiles, seed))
	if err != nil {
		return nil, err
	}
	relPath, err := writeArtifact(ec, out, data)
	if err != nil {
		return nil, err
	}
	return &graph.ExecResult{
		Artifacts: []string{relPath},
		Metadata: map[string]any{
			"flow":     flow,
			"viewport": fmt.Sprintf("%dx%d", width, height),
			"tiles":    tiles,
		},
	}, nil
}

// browse loads a page or JSON endpoint; list counts drive the tile grid so
// the capture reflects what the fixture served.
func (e *browserTestExec) browse(ctx context.Context, base, page string) (int, string, error) {
	resp, body, err := fetch(ctx, base+page)
	if err != nil {
		return 0, "", graph.Transient(err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, "", graph.Permanentf("page %s returned status %d", page, resp.StatusCode)
	}
	tiles := 4
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var decoded map[string]any
		if err := json.Unmarshal(body, &decoded); err == nil {
			if count, ok := decoded["count"].(float64); ok && count > 0 {
				tiles = int(count)
			}
		}
	}
	return tiles, "browse:" + page, nil
}

func (e *browserTestExec) cart(ctx context.Context, base, product string, quantity int) (int, string, error) {
	body, err := postJSON(ctx, base+"/cart", map[string]any{"product_id": product, "quantity": quantity})
	if err != nil {
		return 0, "", err
	}
	items, _ := body["items"].([]any)
	total, _ := body["total_usd"].(float64)
	return len(items) + 1, fmt.Sprintf("cart:%s:%.2f", product, total), nil
}

func (e *browserTestExec) checkout(ctx context.Context, base, product string, quantity int) (int, string, error) {
	body, err := postJSON(ctx, base+"/checkout", map[string]any{
		"product_id": product,
		"quantity":   quantity,
		"email":      "qa@example.com",
	})
	if err != nil {
		return 0, "", err
	}
	status, _ := body["status"].(string)
	if status != "confirmed" {
		return 0, "", graph.Permanentf("checkout not confirmed: %v", body["status"])
	}
	orderID, _ := body["order_id"].(string)
	return 2, "checkout:" + orderID, nil
}

func fetch(ctx context.Context, url string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := readBody(resp)
	return resp, body, err
}

func postJSON(ctx context.Context, url string, payload map[string]any) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, graph.Transient(err)
	}
	defer resp.Body.Close()
	body, err := readBody(resp)
	if err != nil {
		return nil, graph.Transient(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, graph.Permanentf("%s returned status %d: %s", url, resp.StatusCode, truncate(string(body), 200))
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, graph.Permanentf("decoding %s response: %v", url, err)
	}
	return decoded, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(resp.Body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
