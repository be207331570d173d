package sync

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	summaryHeaderStyle = lipgloss.NewStyle().Bold(true)
	summaryOkStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	summaryErrStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	summaryDimStyle    = lipgloss.NewStyle().Faint(true)
)

// RenderSummary formats a sync pass summary for the terminal.
func RenderSummary(s *Summary) string {
	var b strings.Builder

	results := make([]FolderResult, len(s.Results))
	copy(results, s.Results)
	sort.Slice(results, func(i, j int) bool {
		if results[i].Account != results[j].Account {
			return results[i].Account < results[j].Account
		}
		return results[i].Folder < results[j].Folder
	})

	b.WriteString(summaryHeaderStyle.Render("sync summary"))
	b.WriteString("\n")

	for _, r := range results {
		name := r.Account
		if r.Folder != "" {
			name += "/" + r.Folder
		}

		if r.Err != nil {
			b.WriteString(fmt.Sprintf("  %s %s: %v\n",
				summaryErrStyle.Render("✗"), name, r.Err))
			continue
		}

		detail := fmt.Sprintf("+%d ~%d -%d", r.Added, r.Updated, r.Removed)
		if r.Bodies > 0 {
			detail += fmt.Sprintf(" bodies:%d", r.Bodies)
		}
		if r.Invalidated {
			detail += " (invalidated)"
		}
		b.WriteString(fmt.Sprintf("  %s %s: %s\n",
			summaryOkStyle.Render("✓"), name, detail))
	}

	for _, acct := range s.Rebuilt {
		b.WriteString(summaryErrStyle.Render(
			fmt.Sprintf("  ! mirror for %s was corrupt and has been rebuilt", acct)))
		b.WriteString("\n")
	}

	b.WriteString(summaryDimStyle.Render(
		fmt.Sprintf("  %d folder(s), %d failed, took %s",
			len(results), s.Failed(), s.Finished.Sub(s.Started).Round(time.Millisecond))))
	b.WriteString("\n")

	return b.String()
}
