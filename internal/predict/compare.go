package predict

import (
	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
)

// DefaultDriftBound is the largest relative gap allowed between a
// predicted and an executed pool delta.
var DefaultDriftBound = fixedpoint.MustParse("0.0000001")

// Drift is the relative discrepancy between a prediction and the executed
// pool change.
type Drift struct {
	Bonds  fixedpoint.FixedPoint `json:"bonds"`
	Shares fixedpoint.FixedPoint `json:"shares"`
	Within bool                  `json:"within"`
}

// CompareExecution measures |predicted − actual| / |actual| for bonds and
// shares. Both must be strictly below bound. A zero actual delta only
// matches a zero prediction.
func CompareExecution(predicted, actual model.Deltas, bound fixedpoint.FixedPoint) (d Drift, err error) {
	defer fixedpoint.Recover(&err)
	d.Bonds = relative(predicted.Bonds, actual.Bonds)
	d.Shares = relative(predicted.Shares, actual.Shares)
	d.Within = d.Bonds.Lt(bound) && d.Shares.Lt(bound)
	return d, nil
}

func relative(predicted, actual fixedpoint.FixedPoint) fixedpoint.FixedPoint {
	diff := predicted.AbsDiff(actual)
	if actual.IsZero() {
		if diff.IsZero() {
			return fixedpoint.Zero
		}
		return fixedpoint.One
	}
	return diff.DivUp(actual.Abs())
}
