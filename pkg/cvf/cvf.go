// Package cvf implements the evidence gate: given the artifacts a run
// produced for an AUV, decide whether the capability is proven. Checks are
// structural (artifact presence, parseable formats) plus strict-mode
// policy checks (security findings, visual regressions, perf budgets, and
// per-domain validators). Every check yields a Detail with an
// exit-code class so callers can map failures to process exit codes.
package cvf

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/exitcode"
)

// Options controls a gate evaluation.
type Options struct {
	// Strict enables the policy checks on top of artifact presence.
	Strict bool
	// Domains names the domain validators to run. Empty auto-detects by
	// artifact presence.
	Domains []string
	// Catalog supplies per-AUV required-artifact additions and perf
	// budgets. Nil uses the built-in table only.
	Catalog *Catalog
}

// Detail is one check outcome.
type Detail struct {
	Check   string `json:"check"`
	Path    string `json:"path,omitempty"`
	OK      bool   `json:"ok"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// Report aggregates all check outcomes for one AUV.
type Report struct {
	AUVID   string   `json:"auv_id"`
	Strict  bool     `json:"strict"`
	Passed  bool     `json:"passed"`
	Details []Detail `json:"details"`
}

// ExitCode returns 0 for a passing report, otherwise the code of the
// first failing detail.
func (r *Report) ExitCode() int {
	if r.Passed {
		return 0
	}
	for _, d := range r.Details {
		if !d.OK {
			if d.Code != 0 {
				return d.Code
			}
			return exitcode.CvfGateFailed
		}
	}
	return exitcode.CvfGateFailed
}

// Failures returns the messages of all failing details.
func (r *Report) Failures() []string {
	var out []string
	for _, d := range r.Details {
		if !d.OK {
			out = append(out, d.Message)
		}
	}
	return out
}

// Check evaluates the gate for auvID against fsys, the tenant root
// filesystem. Artifact paths resolve relative to the AUV directory.
func Check(fsys fs.FS, auvID string, opts Options) *Report {
	r := &Report{AUVID: auvID, Strict: opts.Strict}

	required, known := opts.Catalog.Required(auvID)
	if !known {
		r.add(Detail{
			Check:   "mapping",
			OK:      false,
			Code:    exitcode.CvfGateFailed,
			Message: fmt.Sprintf("no required artifact mapping for %s", auvID),
		})
		return r
	}

	for _, rel := range required {
		r.checkArtifact(fsys, auvID, rel)
	}

	if opts.Strict {
		r.checkSecurity(fsys, auvID)
		r.checkVisual(fsys, auvID)
		r.checkPerfBudgets(fsys, auvID, opts.Catalog.Budgets(auvID))
		for _, domain := range resolveDomains(fsys, auvID, opts.Domains) {
			r.checkDomain(fsys, auvID, domain)
		}
	}

	r.Passed = true
	for _, d := range r.Details {
		if !d.OK {
			r.Passed = false
			break
		}
	}
	return r
}

func (r *Report) add(d Detail) {
	r.Details = append(r.Details, d)
}

func (r *Report) pass(check, artifact, msg string) {
	r.add(Detail{Check: check, Path: artifact, OK: true, Message: msg})
}

func (r *Report) fail(check, artifact string, code int, msg string) {
	r.add(Detail{Check: check, Path: artifact, OK: false, Code: code, Message: msg})
}

// checkArtifact requires the file to exist and be non-empty; anything
// lighthouse-shaped must also parse with a numeric performance score.
func (r *Report) checkArtifact(fsys fs.FS, auvID, rel string) {
	full := path.Join(auvID, rel)
	info, err := fs.Stat(fsys, full)
	if err != nil {
		r.fail("artifact", rel, exitcode.CvfGateFailed, fmt.Sprintf("missing required artifact %s", rel))
		return
	}
	if info.Size() == 0 {
		r.fail("artifact", rel, exitcode.CvfGateFailed, fmt.Sprintf("required artifact %s is empty", rel))
		return
	}
	if strings.Contains(path.Base(rel), "lighthouse") && strings.HasSuffix(rel, ".json") {
		if _, err := readLighthouse(fsys, full); err != nil {
			r.fail("perf", rel, exitcode.PerfAuditFailed, err.Error())
			return
		}
	}
	r.pass("artifact", rel, fmt.Sprintf("artifact %s present (%d bytes)", rel, info.Size()))
}

type lighthouseDoc struct {
	Categories struct {
		Performance struct {
			Score *float64 `json:"score"`
		} `json:"performance"`
	} `json:"categories"`
	Audits map[string]struct {
		NumericValue *float64 `json:"numericValue"`
	} `json:"audits"`
}

func readLighthouse(fsys fs.FS, full string) (*lighthouseDoc, error) {
	raw, err := fs.ReadFile(fsys, full)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %v", path.Base(full), err)
	}
	var doc lighthouseDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s is not valid JSON: %v", path.Base(full), err)
	}
	if doc.Categories.Performance.Score == nil {
		return nil, fmt.Errorf("%s lacks numeric categories.performance.score", path.Base(full))
	}
	return &doc, nil
}

type securitySummary struct {
	Tool     string `json:"tool"`
	Findings struct {
		Critical int `json:"critical"`
		High     int `json:"high"`
		Medium   int `json:"medium"`
		Low      int `json:"low"`
	} `json:"findings"`
	ScannedFiles int `json:"scanned_files"`
}

type secretsSummary struct {
	Tool            string `json:"tool"`
	Leaks           int    `json:"leaks"`
	PatternsChecked int    `json:"patterns_checked"`
}

// checkSecurity blocks on high/critical findings or any leaked secret.
// Absent summaries are not failures; the scan simply did not run.
func (r *Report) checkSecurity(fsys fs.FS, auvID string) {
	const secPath = "security/security-summary.json"
	if raw, err := fs.ReadFile(fsys, path.Join(auvID, secPath)); err == nil {
		var sum securitySummary
		if err := json.Unmarshal(raw, &sum); err != nil {
			r.fail("security", secPath, exitcode.CvfGateFailed, fmt.Sprintf("unparseable security summary: %v", err))
		} else if blocked := sum.Findings.Critical + sum.Findings.High; blocked > 0 {
			r.fail("security", secPath, exitcode.CvfGateFailed,
				fmt.Sprintf("security scan found %d high/critical findings", blocked))
		} else {
			r.pass("security", secPath, "no high or critical findings")
		}
	}

	const leakPath = "security/secrets-summary.json"
	if raw, err := fs.ReadFile(fsys, path.Join(auvID, leakPath)); err == nil {
		var sum secretsSummary
		if err := json.Unmarshal(raw, &sum); err != nil {
			r.fail("secrets", leakPath, exitcode.CvfGateFailed, fmt.Sprintf("unparseable secrets summary: %v", err))
		} else if sum.Leaks > 0 {
			r.fail("secrets", leakPath, exitcode.CvfGateFailed,
				fmt.Sprintf("secrets scan found %d leaked credentials", sum.Leaks))
		} else {
			r.pass("secrets", leakPath, "no leaked secrets")
		}
	}
}

type visualSummary struct {
	Threshold float64 `json:"threshold"`
	Passed    int     `json:"passed"`
	Failed    int     `json:"failed"`
	New       int     `json:"new"`
	Routes    []struct {
		Route          string  `json:"route"`
		Status         string  `json:"status"`
		PixelDiffRatio float64 `json:"pixel_diff_ratio"`
		SSIM           float64 `json:"ssim"`
	} `json:"routes"`
}

// checkVisual blocks when any route regressed beyond threshold.
func (r *Report) checkVisual(fsys fs.FS, auvID string) {
	const sumPath = "visual/visual-summary.json"
	raw, err := fs.ReadFile(fsys, path.Join(auvID, sumPath))
	if err != nil {
		return
	}
	var sum visualSummary
	if err := json.Unmarshal(raw, &sum); err != nil {
		r.fail("visual", sumPath, exitcode.VisualRegression, fmt.Sprintf("unparseable visual summary: %v", err))
		return
	}
	if sum.Failed > 0 {
		var bad []string
		for _, route := range sum.Routes {
			if route.Status == "fail" {
				bad = append(bad, route.Route)
			}
		}
		r.fail("visual", sumPath, exitcode.VisualRegression,
			fmt.Sprintf("%d visual route(s) regressed: %s", sum.Failed, strings.Join(bad, ", ")))
		return
	}
	r.pass("visual", sumPath, fmt.Sprintf("%d visual route(s) within threshold", sum.Passed))
}

// checkPerfBudgets compares headline metrics against the AUV budget and
// records each overage as +X% above budget.
func (r *Report) checkPerfBudgets(fsys fs.FS, auvID string, budgets *PerfBudgets) {
	if budgets == nil {
		return
	}
	const lhPath = "perf/lighthouse.json"
	doc, err := readLighthouse(fsys, path.Join(auvID, lhPath))
	if err != nil {
		r.fail("perf_budget", lhPath, exitcode.PerfAuditFailed, err.Error())
		return
	}

	ok := true
	if budgets.ScoreMin > 0 {
		score := *doc.Categories.Performance.Score
		if score < budgets.ScoreMin {
			ok = false
			r.fail("perf_budget", lhPath, exitcode.PerfAuditFailed,
				fmt.Sprintf("performance score %.2f below budget %.2f", score, budgets.ScoreMin))
		}
	}
	metricBudgets := []struct {
		audit  string
		budget float64
	}{
		{"first-contentful-paint", budgets.FCPMs},
		{"largest-contentful-paint", budgets.LCPMs},
		{"interactive", budgets.TTIMs},
		{"total-blocking-time", budgets.TBTMs},
	}
	for _, mb := range metricBudgets {
		if mb.budget <= 0 {
			continue
		}
		audit, found := doc.Audits[mb.audit]
		if !found || audit.NumericValue == nil {
			ok = false
			r.fail("perf_budget", lhPath, exitcode.PerfAuditFailed,
				fmt.Sprintf("budgeted metric %s missing from lighthouse audits", mb.audit))
			continue
		}
		actual := *audit.NumericValue
		if actual > mb.budget {
			ok = false
			overage := (actual - mb.budget) / mb.budget * 100
			r.fail("perf_budget", lhPath, exitcode.PerfAuditFailed,
				fmt.Sprintf("%s %.0fms exceeds budget %.0fms (+%.1f%%)", mb.audit, actual, mb.budget, overage))
		}
	}
	if ok {
		r.pass("perf_budget", lhPath, "all perf budgets met")
	}
}

// domainTriggers maps each domain validator to the artifact whose
// presence auto-enables it.
var domainTriggers = []struct {
	domain  string
	trigger string
	glob    bool
}{
	{"data", "insights.json", false},
	{"charts", "charts/*.png", true},
	{"seo", "reports/seo/audit.json", false},
	{"media", "media/compose-metadata.json", false},
	{"db", "db/migration-result.json", false},
}

func resolveDomains(fsys fs.FS, auvID string, explicit []string) []string {
	if len(explicit) > 0 {
		return explicit
	}
	var domains []string
	for _, t := range domainTriggers {
		if t.glob {
			matches, err := fs.Glob(fsys, path.Join(auvID, t.trigger))
			if err == nil && len(matches) > 0 {
				domains = append(domains, t.domain)
			}
			continue
		}
		if _, err := fs.Stat(fsys, path.Join(auvID, t.trigger)); err == nil {
			domains = append(domains, t.domain)
		}
	}
	return domains
}

func (r *Report) checkDomain(fsys fs.FS, auvID, domain string) {
	switch domain {
	case "data":
		r.checkData(fsys, auvID)
	case "charts":
		r.checkCharts(fsys, auvID)
	case "seo":
		r.checkSEO(fsys, auvID)
	case "media":
		r.checkMedia(fsys, auvID)
	case "db":
		r.checkDB(fsys, auvID)
	default:
		r.fail("domain", "", exitcode.CvfGateFailed, fmt.Sprintf("unknown domain validator %q", domain))
	}
}
