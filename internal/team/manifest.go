package team

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/taskcrew/taskcrew/internal/graph"
	"github.com/taskcrew/taskcrew/internal/logger"
)

// ManifestEntry is the final record of one task.
type ManifestEntry struct {
	TaskID    string        `json:"task_id"`
	Subject   string        `json:"subject"`
	Status    string        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Owner     string        `json:"owner,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	Artifacts []string      `json:"artifacts"`
}

// Manifest is the complete, inspectable result of a team run: every
// task's final status, the reason when it did not succeed, and the
// artifact references it produced. Partial completion is never hidden.
type Manifest struct {
	Team    Descriptor      `json:"team"`
	Entries []ManifestEntry `json:"tasks"`
}

// buildManifest assembles the manifest from the graph and the artifact
// store after the team terminated.
func (c *Coordinator) buildManifest() *Manifest {
	byTask := make(map[string][]string)
	keys, err := c.store.List(c.team.ID())
	if err != nil {
		logger.Op.WithFields(map[string]interface{}{
			"team":  c.team.ID(),
			"error": err.Error(),
		}).Warn("Could not list artifacts for manifest")
	}
	for _, k := range keys {
		byTask[k.Task] = append(byTask[k.Task], k.String())
	}

	m := &Manifest{Team: c.team.Descriptor()}
	for _, rec := range c.graph.Tasks() {
		artifacts := byTask[rec.ID]
		if artifacts == nil {
			artifacts = []string{}
		}
		m.Entries = append(m.Entries, ManifestEntry{
			TaskID:    rec.ID,
			Subject:   rec.Subject,
			Status:    rec.Status,
			Reason:    rec.Reason,
			Owner:     rec.Owner,
			Duration:  rec.Duration(),
			Artifacts: artifacts,
		})
	}
	return m
}

// Succeeded reports whether every task succeeded.
func (m *Manifest) Succeeded() bool {
	for _, e := range m.Entries {
		if e.Status != graph.StatusSucceeded.String() {
			return false
		}
	}
	return true
}

// Counts summarizes the outcome distribution, e.g. "3 succeeded, 1
// failed, 2 skipped".
func (m *Manifest) Counts() string {
	var ok, failed, skipped int
	for _, e := range m.Entries {
		switch e.Status {
		case graph.StatusSucceeded.String():
			ok++
		case graph.StatusFailed.String():
			failed++
		case graph.StatusSkipped.String():
			skipped++
		}
	}
	return fmt.Sprintf("%d succeeded, %d failed, %d skipped", ok, failed, skipped)
}

// Render returns the manifest as a bordered table for CLI output.
func (m *Manifest) Render() string {
	headers := []string{"TASK", "STATUS", "DURATION", "REASON", "ARTIFACTS"}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	rows := make([][]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		row := []string{
			e.Subject,
			e.Status,
			formatDuration(e.Duration),
			truncate(e.Reason, 60),
			strings.Join(e.Artifacts, ", "),
		}
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
		rows = append(rows, row)
	}

	var sb strings.Builder
	border := func(left, middle, right string) {
		sb.WriteString(left)
		for i, w := range widths {
			sb.WriteString(strings.Repeat("─", w+2))
			if i < len(widths)-1 {
				sb.WriteString(middle)
			}
		}
		sb.WriteString(right)
		sb.WriteString("\n")
	}
	writeRow := func(cells []string) {
		sb.WriteString("│")
		for i, cell := range cells {
			sb.WriteString(fmt.Sprintf(" %-*s ", widths[i], cell))
			sb.WriteString("│")
		}
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf("Team %s (%s)\n", m.Team.ID, m.Team.Status))
	border("┌", "┬", "┐")
	writeRow(headers)
	border("├", "┼", "┤")
	for _, row := range rows {
		writeRow(row)
	}
	border("└", "┴", "┘")
	return sb.String()
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multi-byte
	// character.
	cut := n - 1
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
