package invariant

import (
	"fmt"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
)

// SystemCheck holds the pool-wide invariants that must hold at every block.
type SystemCheck struct {
	State model.PoolState

	// PreviousCheckpoint is the checkpoint one duration before the current
	// one, nil when it could not be found.
	PreviousCheckpoint *model.Checkpoint

	// SkipPreviousCheckpoint is set when the previous checkpoint predates
	// the pool.
	SkipPreviousCheckpoint bool

	TotalSharesEpsilon fixedpoint.FixedPoint
}

func (c SystemCheck) Results() []model.InvariantCheckResult {
	s := c.State
	zMin := s.Config.MinimumShareReserves

	out := []model.InvariantCheckResult{
		result(MinimumShareReserves, s.ShareReserves.Gte(zMin), zMin, s.ShareReserves, false, model.LevelCritical,
			fmt.Sprintf("share reserves %s below minimum %s", s.ShareReserves, zMin)),
		c.solvency(),
		c.totalShares(),
	}
	if !c.SkipPreviousCheckpoint {
		prevID := s.CheckpointID - s.Config.CheckpointDuration
		found := c.PreviousCheckpoint != nil && c.PreviousCheckpoint.VaultSharePrice.IsPositive()
		actual := fixedpoint.Zero
		if c.PreviousCheckpoint != nil {
			actual = c.PreviousCheckpoint.VaultSharePrice
		}
		out = append(out, result(PreviousCheckpoint, found, s.VaultSharePrice, actual, false, model.LevelCritical,
			fmt.Sprintf("checkpoint %d does not exist", prevID)))
	}
	return out
}

// solvency: z − long_exposure/c − z_min >= 0.
func (c SystemCheck) solvency() model.InvariantCheckResult {
	s := c.State
	exposure, err := s.LongExposure.SafeDivDown(s.VaultSharePrice)
	if err != nil {
		return result(Solvency, false, fixedpoint.Zero, fixedpoint.Zero, true, model.LevelCritical, err.Error())
	}
	slack := s.ShareReserves.Sub(exposure).Sub(s.Config.MinimumShareReserves)
	return result(Solvency, !slack.IsNegative(), fixedpoint.Zero, slack, true, model.LevelCritical,
		fmt.Sprintf("solvency %s < 0", slack))
}

// totalShares: the vault must hold at least every share the pool owes.
func (c SystemCheck) totalShares() model.InvariantCheckResult {
	s := c.State
	shorts := s.ShortsOutstanding.Add(s.ShortsOutstanding.MulDown(s.Config.Fees.Flat))
	shortShares, err := shorts.SafeDivDown(s.VaultSharePrice)
	if err != nil {
		return result(TotalShares, false, fixedpoint.Zero, s.VaultShares, false, model.LevelCritical, err.Error())
	}
	expected := s.ShareReserves.Add(shortShares).Add(s.GovFeesAccrued).Add(s.WithdrawalSharesProceeds)
	return result(TotalShares, s.VaultShares.Gte(expected.Sub(c.TotalSharesEpsilon)), expected, s.VaultShares, false, model.LevelCritical,
		fmt.Sprintf("vault holds %s shares, owes %s", s.VaultShares, expected))
}
