package executors

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/schema"
)

// dataIngestExec copies a CSV source into the AUV's data directory and
// records it in a checksummed artifact manifest.
type dataIngestExec struct{}

func (e *dataIngestExec) Execute(ctx context.Context, ec *graph.ExecContext) (*graph.ExecResult, error) {
	source := stringParam(ec.Params, "source", "")
	if source == "" {
		return nil, graph.Permanentf("data.ingest requires a source param")
	}
	sourcePath := source
	if !filepath.IsAbs(sourcePath) {
		sourcePath = filepath.Join(ec.TenantRoot, filepath.FromSlash(source))
	}
	raw, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, graph.Permanentf("reading data source %s: %v", source, err)
	}
	rows, _, err := parseCSV(raw)
	if err != nil {
		return nil, graph.Permanentf("parsing data source %s: %v", source, err)
	}

	outDir := stringParam(ec.Params, "out_dir", "data")
	rawRel, err := writeArtifact(ec, path.Join(outDir, "raw.csv"), raw)
	if err != nil {
		return nil, err
	}

	manifest := map[string]any{
		"run_id": ec.RunID,
		"auv_id": ec.AUVID,
		"artifacts": []map[string]any{{
			"path":     rawRel,
			"type":     "dataset",
			"size":     len(raw),
			"checksum": "sha256:" + checksumHex(raw),
		}},
	}
	doc, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}
	if err := schema.ValidateJSON(schema.Manifest, doc); err != nil {
		return nil, graph.Permanent(err)
	}
	manifestRel, err := writeJSONArtifact(ec, path.Join(outDir, "manifest.json"), manifest)
	if err != nil {
		return nil, err
	}

	return &graph.ExecResult{
		Artifacts: []string{rawRel, manifestRel},
		Metadata:  map[string]any{"rows": len(rows), "bytes": len(raw)},
	}, nil
}

// dataInsightsExec aggregates the ingested dataset into per-column metrics
// and writes the insights document the data validator consumes.
type dataInsightsExec struct{}

func (e *dataInsightsExec) Execute(ctx context.Context, ec *graph.ExecContext) (*graph.ExecResult, error) {
	input := stringParam(ec.Params, "input", "data/raw.csv")
	out := stringParam(ec.Params, "out", "insights.json")

	abs, _ := artifactPath(ec, input)
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, graph.Permanentf("reading dataset %s: %v", input, err)
	}
	records, header, err := parseCSV(raw)
	if err != nil {
		return nil, graph.Permanentf("parsing dataset %s: %v", input, err)
	}

	metrics := aggregate(header, records)
	insights := map[string]any{
		"source":   input,
		"rows":     len(records),
		"metrics":  metrics,
		"checksum": "sha256:" + checksumHex(raw),
	}
	doc, err := json.Marshal(insights)
	if err != nil {
		return nil, err
	}
	if err := schema.ValidateJSON(schema.Insights, doc); err != nil {
		return nil, graph.Permanent(err)
	}
	relPath, err := writeJSONArtifact(ec, out, insights)
	if err != nil {
		return nil, err
	}

	// Evidence is on disk either way; an empty dataset is still a failure.
	if len(records) == 0 {
		return nil, graph.Permanentf("dataset %s has no data rows", input)
	}
	if len(metrics) == 0 {
		return nil, graph.Permanentf("dataset %s has no numeric columns", input)
	}
	return &graph.ExecResult{
		Artifacts: []string{relPath},
		Metadata:  map[string]any{"rows": len(records), "metrics": len(metrics)},
	}, nil
}

// parseCSV returns the data records and header of a CSV document. A lone
// header row yields zero records.
func parseCSV(raw []byte) ([][]string, []string, error) {
	reader := csv.NewReader(strings.NewReader(string(raw)))
	reader.TrimLeadingSpace = true
	all, err := reader.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(all) == 0 {
		return nil, nil, fmt.Errorf("empty document")
	}
	return all[1:], all[0], nil
}

type metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// aggregate computes sum and mean for every fully numeric column, in
// stable column order.
func aggregate(header []string, records [][]string) []metric {
	metrics := make([]metric, 0, len(header)*2)
	for col, name := range header {
		sum := 0.0
		numeric := len(records) > 0
		for _, record := range records {
			if col >= len(record) {
				numeric = false
				break
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(record[col]), 64)
			if err != nil {
				numeric = false
				break
			}
			sum += v
		}
		if !numeric {
			continue
		}
		mean := sum / float64(len(records))
		metrics = append(metrics,
			metric{Name: name + "_sum", Value: roundTo(sum, 4)},
			metric{Name: name + "_avg", Value: roundTo(mean, 4)},
		)
	}
	sort.SliceStable(metrics, func(i, j int) bool { return metrics[i].Name < metrics[j].Name })
	return metrics
}

func roundTo(v float64, places int) float64 {
	shift := 1.0
	for i := 0; i < places; i++ {
		shift *= 10
	}
	if v < 0 {
		return float64(int64(v*shift-0.5)) / shift
	}
	return float64(int64(v*shift+0.5)) / shift
}

func checksumHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
