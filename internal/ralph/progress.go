package ralph

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// appendProgressLog records a sweep's handoffs as a markdown section.
// The file is an audit trail for humans; nothing reads it back.
func (m *Manager) appendProgressLog(at time.Time, handoffs []Handoff) error {
	if m.ProgressLog == "" {
		return nil
	}
	sorted := append([]Handoff(nil), handoffs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].JorbName < sorted[j].JorbName })

	var b strings.Builder
	fmt.Fprintf(&b, "\n## Context reset %s\n", at.UTC().Format(time.RFC3339))
	for _, h := range sorted {
		fmt.Fprintf(&b, "\n### %s (%s)\n\n", h.JorbName, h.JorbID)
		fmt.Fprintf(&b, "- status: %s\n- through message: %d\n\n", h.Status, h.ThroughSeq)
		b.WriteString(strings.TrimSpace(h.Summary))
		b.WriteString("\n")
	}

	if err := os.MkdirAll(filepath.Dir(m.ProgressLog), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(m.ProgressLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
