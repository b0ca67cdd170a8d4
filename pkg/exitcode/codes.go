// Package exitcode defines the stable process exit codes shared by the CLI,
// the queue worker, and the evidence gate. Codes are part of the external
// contract: automation keys off them, so values must never be reused or
// renumbered.
package exitcode

import "fmt"

const (
	// OK is the success exit code.
	OK = 0
	// GenericFailure covers failures with no more specific class.
	GenericFailure = 1
	// Usage indicates bad command-line arguments.
	Usage = 2

	// BrowserTestsFailed indicates UI/browser test executor failures.
	BrowserTestsFailed = 101
	// PerfAuditFailed indicates a performance audit below budget.
	PerfAuditFailed = 102
	// CvfGateFailed indicates the evidence gate rejected the AUV overall.
	CvfGateFailed = 103

	// Build-lane stages occupy 201-209 in pipeline order.
	BuildFormatFailed      = 201
	BuildLintFailed        = 202
	BuildTypecheckFailed   = 203
	BuildUnitFailed        = 204
	BuildIntegrationFailed = 205
	BuildSmokeFailed       = 206
	BuildPushFailed        = 207
	BuildPRFailed          = 208
	BuildPatchFailed       = 209

	// VisualRegression indicates a visual diff above threshold.
	VisualRegression = 303

	// CVF domain validator failures.
	CvfDataFailed   = 305
	CvfChartsFailed = 306
	CvfSeoFailed    = 307
	CvfMediaFailed  = 308
	CvfDbFailed     = 309

	// BrokerUnavailable indicates the queue broker cannot be reached.
	BrokerUnavailable = 401
	// PermissionDenied covers auth failures and tenant policy violations.
	PermissionDenied = 405
	// ResumeStateMissing indicates resume was requested with no state file.
	ResumeStateMissing = 406
	// JobCancelled indicates the job was cancelled by an admin.
	JobCancelled = 407
	// JobTimeout indicates the job exceeded its wall-clock budget.
	JobTimeout = 408
	// InvalidPayload indicates the job payload failed schema validation.
	InvalidPayload = 409

	// Subagent gateway failures.
	AgentOutputFailed    = 501
	AgentKnowledgeFailed = 502
	AgentScoringFailed   = 503
)

// DomainCode maps an evidence-gate domain name to its exit code class.
// Unknown domains fall back to the overall gate code.
func DomainCode(domain string) int {
	switch domain {
	case "data":
		return CvfDataFailed
	case "charts":
		return CvfChartsFailed
	case "seo":
		return CvfSeoFailed
	case "media":
		return CvfMediaFailed
	case "db":
		return CvfDbFailed
	case "visual":
		return VisualRegression
	case "perf":
		return PerfAuditFailed
	default:
		return CvfGateFailed
	}
}

// Error couples a failure with the exit code and the component prefix the
// CLI prints, e.g. "[engine] Failed to enqueue: ...".
type Error struct {
	Code      int
	Component string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %v", e.Component, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a component prefix and a typed exit code.
func New(code int, component string, err error) *Error {
	return &Error{Code: code, Component: component, Err: err}
}

// Newf is New with fmt.Errorf semantics.
func Newf(code int, component, format string, args ...any) *Error {
	return &Error{Code: code, Component: component, Err: fmt.Errorf(format, args...)}
}
