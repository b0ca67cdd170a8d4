package executors

import (
	"context"
	"encoding/json"
	"image"
	"os"
	"path"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/schema"
)

// chartRenderExec renders the insights metrics as a bar chart PNG and
// records it in a chart-set manifest. The palette guarantees the color
// diversity the charts validator expects.
type chartRenderExec struct{}

func (e *chartRenderExec) Execute(ctx context.Context, ec *graph.ExecContext) (*graph.ExecResult, error) {
	input := stringParam(ec.Params, "input", "insights.json")
	out := stringParam(ec.Params, "out", "charts/metrics.png")
	title := stringParam(ec.Params, "title", "Metrics")
	width := intParam(ec.Params, "width", 640)
	height := intParam(ec.Params, "height", 400)
	if width < 320 {
		width = 320
	}
	if height < 200 {
		height = 200
	}

	abs, _ := artifactPath(ec, input)
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, graph.Permanentf("reading insights %s: %v", input, err)
	}
	var insights struct {
		Metrics []metric `json:"metrics"`
	}
	if err := json.Unmarshal(raw, &insights); err != nil {
		return nil, graph.Permanentf("parsing insights %s: %v", input, err)
	}
	if len(insights.Metrics) == 0 {
		return nil, graph.Permanentf("insights %s has no metrics to chart", input)
	}

	data, err := encodePNG(renderBarChart(width, height, insights.Metrics))
	if err != nil {
		return nil, err
	}
	pngRel, err := writeArtifact(ec, out, data)
	if err != nil {
		return nil, err
	}

	chartSet := map[string]any{
		"auv_id": ec.AUVID,
		"charts": []map[string]any{{
			"path":   pngRel,
			"title":  title,
			"width":  width,
			"height": height,
		}},
	}
	doc, err := json.Marshal(chartSet)
	if err != nil {
		return nil, err
	}
	if err := schema.ValidateJSON(schema.ChartSet, doc); err != nil {
		return nil, graph.Permanent(err)
	}
	setRel, err := writeJSONArtifact(ec, path.Join(path.Dir(out), "chart-set.json"), chartSet)
	if err != nil {
		return nil, err
	}

	return &graph.ExecResult{
		Artifacts: []string{pngRel, setRel},
		Metadata:  map[string]any{"bars": len(insights.Metrics), "bytes": len(data)},
	}, nil
}

// renderBarChart draws metrics as vertical bars on a white canvas with a
// header band and axis rules.
func renderBarChart(width, height int, metrics []metric) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	fillRect(img, 0, 0, width, height, pageBackground)
	fillRect(img, 0, 0, width, 28, pageHeader)

	const margin = 40
	axisTop := 36
	axisBottom := height - margin
	fillRect(img, margin-2, axisTop, margin, axisBottom, pageRule)
	fillRect(img, margin-2, axisBottom, width-margin/2, axisBottom+2, pageRule)

	maxValue := 0.0
	for _, m := range metrics {
		if m.Value > maxValue {
			maxValue = m.Value
		}
	}
	if maxValue <= 0 {
		maxValue = 1
	}

	plotW := width - margin - margin/2
	slot := plotW / len(metrics)
	barW := slot * 3 / 4
	if barW < 4 {
		barW = 4
	}
	plotH := axisBottom - axisTop
	for i, m := range metrics {
		barH := int(float64(plotH) * (m.Value / maxValue))
		if barH < 2 {
			barH = 2
		}
		x0 := margin + i*slot + (slot-barW)/2
		fillRect(img, x0, axisBottom-barH, x0+barW, axisBottom, cardPalette[i%len(cardPalette)])
	}
	return img
}
