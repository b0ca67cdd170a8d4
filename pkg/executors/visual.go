package executors

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"path"
	"sort"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
)

var defaultVisualRoutes = []string{"/", "/about", "/pricing"}

// visualCaptureExec captures per-route screenshots under a fixed viewport,
// locale, and timezone with animations disabled, and records those
// settings in a manifest next to the captures.
type visualCaptureExec struct {
	servers *ServerManager
}

func (e *visualCaptureExec) Execute(ctx context.Context, ec *graph.ExecContext) (*graph.ExecResult, error) {
	base, err := stagingBase(ec, e.servers, "STAGING_URL", "API_BASE")
	if err != nil {
		return nil, err
	}
	routes := stringsParam(ec.Params, "routes")
	if len(routes) == 0 {
		routes = defaultVisualRoutes
	}
	outDir := stringParam(ec.Params, "out_dir", "visual/current")
	width := intParam(ec.Params, "width", 1280)
	height := intParam(ec.Params, "height", 720)

	artifacts := make([]string, 0, len(routes)+1)
	for _, route := range routes {
		resp, _, err := fetch(ctx, base+route)
		if err != nil {
			return nil, graph.Transient(err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, graph.Permanentf("capture route %s returned status %d", route, resp.StatusCode)
		}
		tiles := int(seedHash(route)%4) + 3
		data, err := encodePNG(renderPage(width, height, tiles, "visual:"+route))
		if err != nil {
			return nil, err
		}
		relPath, err := writeArtifact(ec, path.Join(outDir, routeSlug(route)+".png"), data)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, relPath)
	}

	manifestRel, err := writeJSONArtifact(ec, path.Join(path.Dir(outDir), "capture-manifest.json"), map[string]any{
		"viewport":   map[string]int{"width": width, "height": height},
		"locale":     "en-US",
		"timezone":   "UTC",
		"animations": "disabled",
		"routes":     routes,
	})
	if err != nil {
		return nil, err
	}
	artifacts = append(artifacts, manifestRel)

	return &graph.ExecResult{
		Artifacts: artifacts,
		Metadata:  map[string]any{"routes": len(routes)},
	}, nil
}

// visualCompareExec diffs current captures against baselines and writes
// the per-route summary the evidence gate consumes. A route with no
// baseline is reported as new, not failed.
type visualCompareExec struct{}

type routeComparison struct {
	Route          string  `json:"route"`
	Status         string  `json:"status"`
	PixelDiffRatio float64 `json:"pixel_diff_ratio"`
	SSIM           float64 `json:"ssim"`
}

func (e *visualCompareExec) Execute(ctx context.Context, ec *graph.ExecContext) (*graph.ExecResult, error) {
	routes := stringsParam(ec.Params, "routes")
	if len(routes) == 0 {
		routes = defaultVisualRoutes
	}
	baselineDir := stringParam(ec.Params, "baseline_dir", "visual/baseline")
	currentDir := stringParam(ec.Params, "current_dir", "visual/current")
	threshold := floatParam(ec.Params, "threshold", 0.01)
	out := stringParam(ec.Params, "out", "visual/visual-summary.json")

	sorted := append([]string(nil), routes...)
	sort.Strings(sorted)

	comparisons := make([]routeComparison, 0, len(sorted))
	var passed, failed, added int
	for _, route := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		comparison := e.compareRoute(ec, baselineDir, currentDir, route, threshold)
		switch comparison.Status {
		case "passed":
			passed++
		case "new":
			added++
		default:
			failed++
		}
		comparisons = append(comparisons, comparison)
	}

	verdict := "pass"
	if failed > 0 {
		verdict = "fail"
	}
	relPath, err := writeJSONArtifact(ec, out, map[string]any{
		"threshold": threshold,
		"verdict":   verdict,
		"passed":    passed,
		"failed":    failed,
		"new":       added,
		"routes":    comparisons,
	})
	if err != nil {
		return nil, err
	}
	return &graph.ExecResult{
		Artifacts: []string{relPath},
		Metadata:  map[string]any{"verdict": verdict, "passed": passed, "failed": failed, "new": added},
	}, nil
}

func (e *visualCompareExec) compareRoute(ec *graph.ExecContext, baselineDir, currentDir, route string, threshold float64) routeComparison {
	comparison := routeComparison{Route: route, Status: "failed", PixelDiffRatio: 1}
	name := routeSlug(route) + ".png"

	currentAbs, _ := artifactPath(ec, path.Join(currentDir, name))
	current, err := decodePNGFile(currentAbs)
	if err != nil {
		return comparison
	}

	baselineAbs, _ := artifactPath(ec, path.Join(baselineDir, name))
	baseline, err := decodePNGFile(baselineAbs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			comparison.Status = "new"
			comparison.PixelDiffRatio = 0
			comparison.SSIM = 1
		}
		return comparison
	}

	comparison.PixelDiffRatio = pixelDiffRatio(baseline, current)
	comparison.SSIM = ssim(baseline, current)
	if comparison.PixelDiffRatio <= threshold {
		comparison.Status = "passed"
	}
	return comparison
}
