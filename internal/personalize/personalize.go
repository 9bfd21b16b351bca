// Package personalize renders message templates against a customer snapshot.
// Rendering is pure and deterministic; unknown {tokens} pass through
// untouched.
package personalize

import (
	"strconv"
	"strings"

	"github.com/beaconcrm/beacon/internal/db"
)

// Render substitutes the known placeholders into the template:
//
//	{name}       customer name
//	{totalSpent} lifetime spend, currency formatted, grouped, no decimals
//	{visitCount} visit count, 0 when absent
//
// Any other {token} is left as-is.
func Render(template string, s db.PersonalizationSnapshot) string {
	r := strings.NewReplacer(
		"{name}", s.Name,
		"{totalSpent}", FormatCurrency(s.TotalSpent),
		"{visitCount}", strconv.Itoa(s.VisitCount),
	)
	return r.Replace(template)
}

// FormatCurrency renders an amount with a rupee prefix, thousands grouping,
// and no decimals: 15000 -> "₹15,000".
func FormatCurrency(amount float64) string {
	if amount < 0 {
		amount = 0
	}
	digits := strconv.FormatFloat(amount, 'f', 0, 64)

	var b strings.Builder
	b.WriteString("₹")
	lead := len(digits) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(digits[:lead])
	for i := lead; i < len(digits); i += 3 {
		b.WriteByte(',')
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}
