package predict

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/atmx/hyperfuzz/internal/model"
)

// Table renders the deltas as an account × unit grid.
func Table(d model.TradeDeltas) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "account\tbase\tbonds\tshares\t")
	rows := []struct {
		name string
		d    model.Deltas
	}{
		{"user", d.User},
		{"pool", d.Pool},
		{"fee", d.Fee},
		{"governance", d.Governance},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", r.name, r.d.Base, r.d.Bonds, r.d.Shares)
	}
	w.Flush()
	return b.String()
}
