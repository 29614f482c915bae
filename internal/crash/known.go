package crash

import (
	"errors"
	"strings"

	"github.com/atmx/hyperfuzz/internal/chain"
	"github.com/atmx/hyperfuzz/internal/wallet"
	"github.com/atmx/hyperfuzz/internal/yieldspace"
)

// Known failure classes. These are failures the trader caused rather than
// the pool, so a report carrying one is usually a harness sizing problem.
const (
	KnownInsufficientBalance   = "insufficient_balance"
	KnownInsufficientAllowance = "insufficient_allowance"
	KnownSlippage              = "slippage"
	KnownCurveBounds           = "curve_bounds"
	KnownMinimumTransaction    = "minimum_transaction"
	KnownInsufficientLiquidity = "insufficient_liquidity"
	KnownLongProceedsBelowFees = "long_proceeds_below_fees"
)

var knownSentinels = []struct {
	err   error
	class string
}{
	{wallet.ErrNegativeBalance, KnownInsufficientBalance},
	{yieldspace.ErrCurveBounds, KnownCurveBounds},
	{chain.ErrMinimumTransaction, KnownMinimumTransaction},
	{chain.ErrInsufficientLiquidity, KnownInsufficientLiquidity},
}

// Revert reasons as they surface through an RPC error message.
var knownTokens = []struct {
	token string
	class string
}{
	{"insufficientbalance", KnownInsufficientBalance},
	{"insufficient balance", KnownInsufficientBalance},
	{"transfer amount exceeds balance", KnownInsufficientBalance},
	{"insufficient allowance", KnownInsufficientAllowance},
	{"transfer amount exceeds allowance", KnownInsufficientAllowance},
	{"outputlimit", KnownSlippage},
	{"minimumtransactionamount", KnownMinimumTransaction},
	{"insufficientliquidity", KnownInsufficientLiquidity},
	{"fees exceed long proceeds", KnownLongProceedsBelowFees},
	{"closing long results in fees exceeding", KnownLongProceedsBelowFees},
}

// ClassifyKnownError tags err with a known failure class, or returns "".
func ClassifyKnownError(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range knownSentinels {
		if errors.Is(err, k.err) {
			return k.class
		}
	}
	msg := strings.ToLower(err.Error())
	for _, k := range knownTokens {
		if strings.Contains(msg, k.token) {
			return k.class
		}
	}
	return ""
}
