package cvf

import (
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io/fs"
	"math"
	"net/url"
	"path"
	"strings"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/exitcode"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/schema"
)

const (
	minChartWidth    = 320
	minChartHeight   = 200
	minChartColors   = 4
	mediaVarianceMax = 0.10
	minVideoWidth    = 640
	minVideoHeight   = 360
)

type insightsDoc struct {
	Source  string `json:"source"`
	Rows    int    `json:"rows"`
	Metrics []struct {
		Name  string  `json:"name"`
		Value float64 `json:"value"`
	} `json:"metrics"`
	Checksum string `json:"checksum"`
}

func (r *Report) checkData(fsys fs.FS, auvID string) {
	const rel = "insights.json"
	raw, err := fs.ReadFile(fsys, path.Join(auvID, rel))
	if err != nil {
		r.fail("data", rel, exitcode.CvfDataFailed, "insights.json missing for data validation")
		return
	}
	if err := schema.ValidateJSON(schema.Insights, raw); err != nil {
		r.fail("data", rel, exitcode.CvfDataFailed, fmt.Sprintf("insights.json invalid: %v", err))
		return
	}
	var doc insightsDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		r.fail("data", rel, exitcode.CvfDataFailed, fmt.Sprintf("insights.json unparseable: %v", err))
		return
	}
	switch {
	case doc.Rows <= 0:
		r.fail("data", rel, exitcode.CvfDataFailed, "insights row count is zero")
	case len(doc.Metrics) == 0:
		r.fail("data", rel, exitcode.CvfDataFailed, "insights contain no metrics")
	case doc.Checksum == "":
		r.fail("data", rel, exitcode.CvfDataFailed, "insights lack a source checksum")
	default:
		r.pass("data", rel, fmt.Sprintf("%d rows, %d metrics, checksum recorded", doc.Rows, len(doc.Metrics)))
	}
}

// checkCharts decodes every chart PNG and requires minimum dimensions and
// color diversity, which catches blank or clipped renders.
func (r *Report) checkCharts(fsys fs.FS, auvID string) {
	matches, err := fs.Glob(fsys, path.Join(auvID, "charts/*.png"))
	if err != nil || len(matches) == 0 {
		r.fail("charts", "charts", exitcode.CvfChartsFailed, "no chart PNGs found under charts/")
		return
	}
	ok := true
	for _, full := range matches {
		rel := strings.TrimPrefix(full, auvID+"/")
		f, err := fsys.Open(full)
		if err != nil {
			ok = false
			r.fail("charts", rel, exitcode.CvfChartsFailed, fmt.Sprintf("unreadable chart %s: %v", rel, err))
			continue
		}
		img, err := png.Decode(f)
		f.Close()
		if err != nil {
			ok = false
			r.fail("charts", rel, exitcode.CvfChartsFailed, fmt.Sprintf("chart %s is not a valid PNG: %v", rel, err))
			continue
		}
		bounds := img.Bounds()
		if bounds.Dx() < minChartWidth || bounds.Dy() < minChartHeight {
			ok = false
			r.fail("charts", rel, exitcode.CvfChartsFailed,
				fmt.Sprintf("chart %s is %dx%d, below minimum %dx%d", rel, bounds.Dx(), bounds.Dy(), minChartWidth, minChartHeight))
			continue
		}
		if colors := distinctColors(img, minChartColors+1); colors < minChartColors {
			ok = false
			r.fail("charts", rel, exitcode.CvfChartsFailed,
				fmt.Sprintf("chart %s has only %d distinct colors; render looks blank", rel, colors))
		}
	}
	if ok {
		r.pass("charts", "charts", fmt.Sprintf("%d chart(s) render with expected dimensions and diversity", len(matches)))
	}
}

// distinctColors counts unique colors, stopping once limit is reached.
func distinctColors(img image.Image, limit int) int {
	seen := make(map[[4]uint32]struct{}, limit)
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()
			seen[[4]uint32{r, g, b, a}] = struct{}{}
			if len(seen) >= limit {
				return len(seen)
			}
		}
	}
	return len(seen)
}

type seoDoc struct {
	BaseURL string `json:"base_url"`
	Pages   []struct {
		URL             string            `json:"url"`
		Canonical       string            `json:"canonical"`
		Title           string            `json:"title"`
		MetaDescription string            `json:"meta_description"`
		OG              map[string]string `json:"og"`
		BrokenLinks     []string          `json:"broken_links"`
	} `json:"pages"`
}

func (r *Report) checkSEO(fsys fs.FS, auvID string) {
	const rel = "reports/seo/audit.json"
	raw, err := fs.ReadFile(fsys, path.Join(auvID, rel))
	if err != nil {
		r.fail("seo", rel, exitcode.CvfSeoFailed, "seo audit missing")
		return
	}
	if err := schema.ValidateJSON(schema.SeoAudit, raw); err != nil {
		r.fail("seo", rel, exitcode.CvfSeoFailed, fmt.Sprintf("seo audit invalid: %v", err))
		return
	}
	var doc seoDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		r.fail("seo", rel, exitcode.CvfSeoFailed, fmt.Sprintf("seo audit unparseable: %v", err))
		return
	}
	if len(doc.Pages) == 0 {
		r.fail("seo", rel, exitcode.CvfSeoFailed, "seo audit covers no pages")
		return
	}

	var violations []string
	for _, page := range doc.Pages {
		if len(page.BrokenLinks) > 0 {
			violations = append(violations,
				fmt.Sprintf("%s has %d broken link(s): %s", page.URL, len(page.BrokenLinks), strings.Join(page.BrokenLinks, ", ")))
		}
		if page.Canonical == "" {
			violations = append(violations, fmt.Sprintf("%s lacks a canonical link", page.URL))
		} else if !sameHost(page.URL, page.Canonical) {
			violations = append(violations,
				fmt.Sprintf("%s canonical %s points at a different host", page.URL, page.Canonical))
		}
		if page.Title == "" {
			violations = append(violations, fmt.Sprintf("%s lacks a title", page.URL))
		}
		if page.MetaDescription == "" {
			violations = append(violations, fmt.Sprintf("%s lacks a meta description", page.URL))
		}
		if page.OG["og:title"] == "" {
			violations = append(violations, fmt.Sprintf("%s lacks og:title", page.URL))
		}
	}
	if len(violations) > 0 {
		r.fail("seo", rel, exitcode.CvfSeoFailed, strings.Join(violations, "; "))
		return
	}
	r.pass("seo", rel, fmt.Sprintf("%d page(s) pass canonical, link, and metadata checks", len(doc.Pages)))
}

func sameHost(pageURL, canonical string) bool {
	p, err1 := url.Parse(pageURL)
	c, err2 := url.Parse(canonical)
	if err1 != nil || err2 != nil {
		return false
	}
	return p.Host == c.Host
}

type mediaDoc struct {
	DurationSeconds         float64 `json:"duration_seconds"`
	ExpectedDurationSeconds float64 `json:"expected_duration_seconds"`
	Video                   struct {
		Width  int     `json:"width"`
		Height int     `json:"height"`
		FPS    float64 `json:"fps"`
	} `json:"video"`
	Audio struct {
		Present         bool    `json:"present"`
		Codec           string  `json:"codec"`
		DurationSeconds float64 `json:"duration_seconds"`
	} `json:"audio"`
}

func (r *Report) checkMedia(fsys fs.FS, auvID string) {
	const rel = "media/compose-metadata.json"
	raw, err := fs.ReadFile(fsys, path.Join(auvID, rel))
	if err != nil {
		r.fail("media", rel, exitcode.CvfMediaFailed, "compose metadata missing")
		return
	}
	if err := schema.ValidateJSON(schema.MediaComposition, raw); err != nil {
		r.fail("media", rel, exitcode.CvfMediaFailed, fmt.Sprintf("compose metadata invalid: %v", err))
		return
	}
	var doc mediaDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		r.fail("media", rel, exitcode.CvfMediaFailed, fmt.Sprintf("compose metadata unparseable: %v", err))
		return
	}

	var violations []string
	if doc.ExpectedDurationSeconds > 0 {
		variance := math.Abs(doc.DurationSeconds-doc.ExpectedDurationSeconds) / doc.ExpectedDurationSeconds
		if variance > mediaVarianceMax {
			violations = append(violations,
				fmt.Sprintf("duration %.1fs deviates %.0f%% from expected %.1fs",
					doc.DurationSeconds, variance*100, doc.ExpectedDurationSeconds))
		}
	}
	if !doc.Audio.Present {
		violations = append(violations, "composition lacks an audio track")
	}
	if doc.Video.Width < minVideoWidth || doc.Video.Height < minVideoHeight {
		violations = append(violations,
			fmt.Sprintf("resolution %dx%d below minimum %dx%d", doc.Video.Width, doc.Video.Height, minVideoWidth, minVideoHeight))
	}
	if len(violations) > 0 {
		r.fail("media", rel, exitcode.CvfMediaFailed, strings.Join(violations, "; "))
		return
	}
	r.pass("media", rel, fmt.Sprintf("composition %.1fs with audio at %dx%d", doc.DurationSeconds, doc.Video.Width, doc.Video.Height))
}

type migrationDoc struct {
	Engine     string `json:"engine"`
	Applied    int    `json:"applied"`
	Failed     int    `json:"failed"`
	Validation struct {
		Queries int `json:"queries"`
		Passed  int `json:"passed"`
	} `json:"validation"`
}

func (r *Report) checkDB(fsys fs.FS, auvID string) {
	const rel = "db/migration-result.json"
	raw, err := fs.ReadFile(fsys, path.Join(auvID, rel))
	if err != nil {
		r.fail("db", rel, exitcode.CvfDbFailed, "migration result missing")
		return
	}
	if err := schema.ValidateJSON(schema.DbMigration, raw); err != nil {
		r.fail("db", rel, exitcode.CvfDbFailed, fmt.Sprintf("migration result invalid: %v", err))
		return
	}
	var doc migrationDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		r.fail("db", rel, exitcode.CvfDbFailed, fmt.Sprintf("migration result unparseable: %v", err))
		return
	}

	var violations []string
	if doc.Engine == "" {
		violations = append(violations, "migration engine not recorded")
	}
	if doc.Applied < 1 {
		violations = append(violations, "no migrations applied")
	}
	if doc.Failed > 0 {
		violations = append(violations, fmt.Sprintf("%d migration(s) failed", doc.Failed))
	}
	if doc.Validation.Queries > 0 && doc.Validation.Passed < doc.Validation.Queries {
		violations = append(violations,
			fmt.Sprintf("validation queries passed %d/%d", doc.Validation.Passed, doc.Validation.Queries))
	}
	if len(violations) > 0 {
		r.fail("db", rel, exitcode.CvfDbFailed, strings.Join(violations, "; "))
		return
	}
	r.pass("db", rel, fmt.Sprintf("%s migrations applied (%d), validation %d/%d",
		doc.Engine, doc.Applied, doc.Validation.Passed, doc.Validation.Queries))
}
