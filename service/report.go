package service

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"

	"obvv-backend/models"
)

// Summary renders the end-of-run text every reconciliation must state: the
// booths included and excluded (with reasons) and the three counters.
func Summary(report *models.Report) string {
	if report == nil {
		return "no reconciliation report\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Reconciliation %s at %s\n", report.RunID, report.GeneratedAt.UTC().Format("2006-01-02 15:04:05 MST"))

	included, excluded := len(report.BoothsIncluded), len(report.BoothsExcluded)
	fmt.Fprintf(&b, "Booths: %s included, %s excluded\n",
		english.Plural(included, "booth", ""), english.Plural(excluded, "booth", ""))
	for _, ex := range report.BoothsExcluded {
		fmt.Fprintf(&b, "  - %s: %s (%s)\n", ex.BoothID, ex.Reason, ex.Detail)
	}

	c := report.Counters
	fmt.Fprintf(&b, "Votes: %s total, %s valid, %s duplicate\n",
		humanize.Comma(int64(c.TotalVotes)), humanize.Comma(int64(c.ValidVotes)), humanize.Comma(int64(c.DuplicateVotes)))

	if n := len(report.IntegrityFailures); n > 0 {
		fmt.Fprintf(&b, "Integrity failures: %s\n", english.Plural(n, "booth", ""))
	}
	if n := len(report.AuditFailures); n > 0 {
		fmt.Fprintf(&b, "Audit failures: %s not recorded\n", english.Plural(n, "duplicate", ""))
	}
	return b.String()
}
