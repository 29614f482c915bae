package harness

import (
	"errors"
	"sync"
	"time"

	"github.com/atmx/hyperfuzz/internal/model"
)

// ErrReportFrozen is returned when a finished report is written to.
var ErrReportFrozen = errors.New("harness: report is frozen")

// Recorder accumulates a run's report. Once frozen it rejects every write.
type Recorder struct {
	mu     sync.Mutex
	report model.FuzzRunReport
}

// NewRecorder starts a report in the running state.
func NewRecorder(runID, scenario string, seed int64, started time.Time) *Recorder {
	return &Recorder{report: model.FuzzRunReport{
		RunID:      runID,
		Scenario:   scenario,
		RandomSeed: seed,
		Status:     model.RunRunning,
		StartedAt:  started.UTC(),
	}}
}

// AddTrade appends a trade to the sequence.
func (r *Recorder) AddTrade(spec model.TradeSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.report.Frozen {
		return ErrReportFrozen
	}
	r.report.TradeSequence = append(r.report.TradeSequence, spec)
	return nil
}

// AddResults appends check results.
func (r *Recorder) AddResults(results ...model.InvariantCheckResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.report.Frozen {
		return ErrReportFrozen
	}
	r.report.CheckResults = append(r.report.CheckResults, results...)
	return nil
}

// Freeze finalizes the report and returns it. A report freezes once.
func (r *Recorder) Freeze(status model.RunStatus, errMsg string, crash *model.CrashBundle, finished time.Time) (*model.FuzzRunReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.report.Frozen {
		return nil, ErrReportFrozen
	}
	r.report.Status = status
	r.report.Error = errMsg
	r.report.CrashDump = crash
	r.report.FinishedAt = finished.UTC()
	r.report.Frozen = true
	return r.copyLocked(), nil
}

// Report returns a copy of the report as it stands.
func (r *Recorder) Report() *model.FuzzRunReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked()
}

// Trades returns the number of trades recorded.
func (r *Recorder) Trades() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.report.TradeSequence)
}

func (r *Recorder) copyLocked() *model.FuzzRunReport {
	c := r.report
	c.TradeSequence = append([]model.TradeSpec(nil), r.report.TradeSequence...)
	c.CheckResults = append([]model.InvariantCheckResult(nil), r.report.CheckResults...)
	return &c
}
