package simchain

import (
	"sort"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
	"github.com/atmx/hyperfuzz/internal/wallet"
)

// state is everything a snapshot has to capture.
type state struct {
	blockNumber uint64
	blockTime   int64

	z    fixedpoint.FixedPoint // share reserves
	zeta fixedpoint.FixedPoint // share adjustment
	y    fixedpoint.FixedPoint // bond reserves
	c    fixedpoint.FixedPoint // vault share price
	k    float64
	rate fixedpoint.FixedPoint

	longs       map[int64]fixedpoint.FixedPoint
	shorts      map[int64]fixedpoint.FixedPoint
	checkpoints map[int64]model.Checkpoint

	lpSupply   fixedpoint.FixedPoint
	withdrawal fixedpoint.FixedPoint
	vault      fixedpoint.FixedPoint
	govFees    fixedpoint.FixedPoint

	trader *wallet.Wallet
}

func (s *state) ze() fixedpoint.FixedPoint {
	return s.z.Sub(s.zeta)
}

func (s *state) clone() *state {
	out := *s
	out.longs = copyAmounts(s.longs)
	out.shorts = copyAmounts(s.shorts)
	out.checkpoints = make(map[int64]model.Checkpoint, len(s.checkpoints))
	for id, cp := range s.checkpoints {
		out.checkpoints[id] = cp
	}
	out.trader = s.trader.Clone()
	return &out
}

func copyAmounts(m map[int64]fixedpoint.FixedPoint) map[int64]fixedpoint.FixedPoint {
	out := make(map[int64]fixedpoint.FixedPoint, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func total(m map[int64]fixedpoint.FixedPoint) fixedpoint.FixedPoint {
	sum := fixedpoint.Zero
	for _, v := range m {
		sum = sum.Add(v)
	}
	return sum
}

// addAmount adjusts a per-maturity balance, dropping it at zero.
func addAmount(m map[int64]fixedpoint.FixedPoint, maturity int64, delta fixedpoint.FixedPoint) {
	v := m[maturity].Add(delta)
	if v.IsZero() {
		delete(m, maturity)
		return
	}
	m[maturity] = v
}

// longExposure is the bonds the pool owes at maturity, netted per maturity
// against shorts.
func (s *state) longExposure() fixedpoint.FixedPoint {
	exposure := fixedpoint.Zero
	for m, longs := range s.longs {
		if net := longs.Sub(s.shorts[m]); net.IsPositive() {
			exposure = exposure.Add(net)
		}
	}
	return exposure
}

func (s *state) latestCheckpoint() (model.Checkpoint, bool) {
	ids := make([]int64, 0, len(s.checkpoints))
	for id := range s.checkpoints {
		if id <= s.blockTime {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return model.Checkpoint{}, false
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return s.checkpoints[ids[len(ids)-1]], true
}

// stateDump is the JSON form written by DumpState.
type stateDump struct {
	Pool        model.PoolState    `json:"pool"`
	Curve       float64            `json:"curve_invariant"`
	Longs       map[int64]string   `json:"longs"`
	Shorts      map[int64]string   `json:"shorts"`
	Checkpoints []model.Checkpoint `json:"checkpoints"`
	Trader      traderDump         `json:"trader"`
}

type traderDump struct {
	Address   string                `json:"address"`
	Base      fixedpoint.FixedPoint `json:"base"`
	Positions []model.TradePosition `json:"positions"`
}

func amountStrings(m map[int64]fixedpoint.FixedPoint) map[int64]string {
	out := make(map[int64]string, len(m))
	for k, v := range m {
		out[k] = v.String()
	}
	return out
}
