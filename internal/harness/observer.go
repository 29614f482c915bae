package harness

import (
	"context"

	"github.com/atmx/hyperfuzz/internal/model"
)

// Observer is told about results as a run produces them. Calls are made
// from the run's goroutine and must not block.
type Observer interface {
	CheckResult(runID string, r model.InvariantCheckResult)
	RunFinished(r *model.FuzzRunReport)
}

// ReportSaver persists finished reports; store.Store satisfies it.
type ReportSaver interface {
	SaveRun(ctx context.Context, r *model.FuzzRunReport) error
}

type nopObserver struct{}

func (nopObserver) CheckResult(string, model.InvariantCheckResult) {}
func (nopObserver) RunFinished(*model.FuzzRunReport)               {}

// Observers fans out to several observers.
type Observers []Observer

func (os Observers) CheckResult(runID string, r model.InvariantCheckResult) {
	for _, o := range os {
		o.CheckResult(runID, r)
	}
}

func (os Observers) RunFinished(r *model.FuzzRunReport) {
	for _, o := range os {
		o.RunFinished(r)
	}
}
