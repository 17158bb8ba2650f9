package briefing

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Render writes b as plain text with one table per section.
func Render(w io.Writer, b Briefing) {
	since := b.Since
	if since == "" {
		since = "the beginning"
	}
	fmt.Fprintf(w, "Briefing since %s (generated %s)\n", since, b.GeneratedAt)
	if b.Empty() {
		fmt.Fprintln(w, "\nNothing needs your attention.")
	}

	section(w, "Needs approval", b.NeedsApproval, func(it Item) table.Row {
		return table.Row{it.ID, it.Name, it.NeedsApprovalFor, it.PausedReason}
	}, table.Row{"ID", "Name", "Needs", "Reason"})
	section(w, "Completed", b.Completed, func(it Item) table.Row {
		return table.Row{it.ID, it.Name, fmt.Sprintf("$%.2f", it.EstimatedCost)}
	}, table.Row{"ID", "Name", "Cost"})
	section(w, "Failed", b.Failed, func(it Item) table.Row {
		return table.Row{it.ID, it.Name, it.Reason}
	}, table.Row{"ID", "Name", "Reason"})
	section(w, "Cancelled", b.Cancelled, func(it Item) table.Row {
		return table.Row{it.ID, it.Name, it.Reason}
	}, table.Row{"ID", "Name", "Reason"})
	section(w, "Running", b.Running, func(it Item) table.Row {
		return table.Row{it.ID, it.Name, it.Awaiting}
	}, table.Row{"ID", "Name", "Awaiting"})
	section(w, "Planning", b.Planning, func(it Item) table.Row {
		return table.Row{it.ID, it.Name}
	}, table.Row{"ID", "Name"})

	if len(b.Unrouted) > 0 {
		fmt.Fprintf(w, "\nUnrouted messages (%d)\n", len(b.Unrouted))
		tw := table.NewWriter()
		tw.SetOutputMirror(w)
		tw.AppendHeader(table.Row{"When", "Channel", "From", "Flags", "Content"})
		for _, u := range b.Unrouted {
			from := u.Sender
			if u.SenderName != "" {
				from = u.SenderName + " <" + u.Sender + ">"
			}
			var flags []string
			if u.Urgent {
				flags = append(flags, "urgent")
			}
			if u.MightBeNewJorb {
				flags = append(flags, "new jorb?")
			}
			tw.AppendRow(table.Row{u.TS, u.Channel, from, strings.Join(flags, ","), clip(u.Content, 60)})
		}
		tw.Render()
	}

	t := b.Totals
	fmt.Fprintf(w, "\nOpen jorbs: %d  messages in/out: %d/%d  oracle calls: %d  tokens: %d  est. cost: $%.2f\n",
		t.OpenJorbs, t.MessagesIn, t.MessagesOut, t.OracleCalls, t.TokensUsed, t.EstimatedCost)
	if len(b.Activity) > 0 {
		keys := make([]string, 0, len(b.Activity))
		for k := range b.Activity {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, b.Activity[k]))
		}
		fmt.Fprintf(w, "Activity: %s\n", strings.Join(parts, " "))
	}
}

func section(w io.Writer, title string, items []Item, row func(Item) table.Row, header table.Row) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s (%d)\n", title, len(items))
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(header)
	for _, it := range items {
		tw.AppendRow(row(it))
	}
	tw.Render()
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
