package harness

import (
	"errors"
	"testing"
	"time"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
)

func TestRecorder_FrozenRejectsWrites(t *testing.T) {
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := NewRecorder("run-1", "profit", 7, start)

	if err := rec.AddTrade(model.TradeSpec{Kind: model.OpenLong, Amount: fixedpoint.New(10)}); err != nil {
		t.Fatalf("AddTrade: %v", err)
	}
	if err := rec.AddResults(model.InvariantCheckResult{Name: "solvency", Passed: true}); err != nil {
		t.Fatalf("AddResults: %v", err)
	}

	report, err := rec.Freeze(model.RunPassed, "", nil, start.Add(time.Minute))
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if !report.Frozen || report.Status != model.RunPassed {
		t.Fatalf("report = %+v", report)
	}
	if len(report.TradeSequence) != 1 || len(report.CheckResults) != 1 {
		t.Fatalf("report contents = %d trades, %d checks", len(report.TradeSequence), len(report.CheckResults))
	}

	if err := rec.AddTrade(model.TradeSpec{Kind: model.CloseLong}); !errors.Is(err, ErrReportFrozen) {
		t.Errorf("AddTrade after freeze = %v, want ErrReportFrozen", err)
	}
	if err := rec.AddResults(model.InvariantCheckResult{Name: "late"}); !errors.Is(err, ErrReportFrozen) {
		t.Errorf("AddResults after freeze = %v, want ErrReportFrozen", err)
	}
	if _, err := rec.Freeze(model.RunFailed, "again", nil, time.Now()); !errors.Is(err, ErrReportFrozen) {
		t.Errorf("second Freeze = %v, want ErrReportFrozen", err)
	}
	if got := rec.Report(); got.Status != model.RunPassed || len(got.TradeSequence) != 1 {
		t.Errorf("report changed after freeze: %+v", got)
	}
}

func TestRecorder_ReportIsCopy(t *testing.T) {
	rec := NewRecorder("run-2", "maturity", 1, time.Now())
	_ = rec.AddTrade(model.TradeSpec{Kind: model.OpenShort, Amount: fixedpoint.New(3)})

	r := rec.Report()
	r.TradeSequence[0].Kind = model.CloseShort
	r.TradeSequence = append(r.TradeSequence, model.TradeSpec{})

	if got := rec.Report(); len(got.TradeSequence) != 1 || got.TradeSequence[0].Kind != model.OpenShort {
		t.Errorf("recorder mutated through copy: %+v", got.TradeSequence)
	}
	if rec.Trades() != 1 {
		t.Errorf("Trades() = %d, want 1", rec.Trades())
	}
}
