package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/amu-labs/gatekeep/internal/core"
	"github.com/amu-labs/gatekeep/internal/core/engine"
)

// ScopeStatus is one scope's limiter status under its effective config.
type ScopeStatus struct {
	core.RateLimitStatus `yaml:",inline"`

	Scope        string `json:"scope" yaml:"scope"`
	MaxAttempts  int    `json:"max_attempts" yaml:"max_attempts"`
	Window       string `json:"window" yaml:"window"`
	Cooldown     string `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms" yaml:"retry_after_ms"`
}

// NewScopeStatus pairs a status with the config it was evaluated under.
func NewScopeStatus(scope string, cfg core.RateLimitConfig, status core.RateLimitStatus) ScopeStatus {
	out := ScopeStatus{
		Scope:           scope,
		MaxAttempts:     cfg.MaxAttempts,
		Window:          cfg.Window.String(),
		RetryAfterMS:    status.RetryAfter.Milliseconds(),
		RateLimitStatus: status,
	}
	if cfg.Cooldown > 0 {
		out.Cooldown = cfg.Cooldown.String()
	}
	return out
}

// ResetResult summarizes a reset run.
type ResetResult struct {
	Matched int   `json:"matched" yaml:"matched"`
	Deleted int64 `json:"deleted" yaml:"deleted"`
	DryRun  bool  `json:"dry_run" yaml:"dry_run"`
}

// WriteEntries renders stored attempt logs.
func WriteEntries(w io.Writer, format Format, entries []core.RateLimitEntry) error {
	if format != FormatTable {
		if entries == nil {
			entries = []core.RateLimitEntry{}
		}
		return Encode(w, format, entries)
	}

	if len(entries) == 0 {
		_, err := fmt.Fprint(w, ascii.DrawBox("Rate Limits\n\n(no stored rate limit state)", 0))
		return err
	}

	t := table.NewWriter()
	t.SetStyle(tableStyle())
	t.AppendHeader(table.Row{"Scope", "Attempts", "Last Attempt", "Cooldown Start", "Updated"})
	for _, entry := range entries {
		var last *time.Time
		if n := len(entry.Log.Attempts); n > 0 {
			last = &entry.Log.Attempts[n-1]
		}
		t.AppendRow(table.Row{
			entry.Scope,
			len(entry.Log.Attempts),
			timestamp(last),
			timestamp(entry.Log.CooldownStart),
			entry.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d scope(s)", len(entries)), "", "", ""})

	_, err := fmt.Fprintln(w, t.Render())
	return err
}

// tableStyle is StyleRounded with footers left as written, so counts such as
// "3 scope(s)" are not upper-cased.
func tableStyle() table.Style {
	style := table.StyleRounded
	style.Format.Footer = text.FormatDefault
	return style
}

// WriteStatus renders one scope's status.
func WriteStatus(w io.Writer, format Format, status ScopeStatus) error {
	if format != FormatTable {
		return Encode(w, format, status)
	}

	state := "allowed"
	if !status.Allowed {
		state = "denied"
	}
	lines := []string{
		"Rate Limit: " + status.Scope,
		"",
		fmt.Sprintf("status:    %s", state),
		fmt.Sprintf("attempts:  %d/%d in %s", status.Attempts, status.MaxAttempts, status.Window),
		fmt.Sprintf("remaining: %d", status.RemainingAttempts),
		fmt.Sprintf("resets at: %s", timestamp(status.ResetAt)),
	}
	if status.Cooldown != "" {
		lines = append(lines, fmt.Sprintf("cooldown:  %s (ends %s)", status.Cooldown, timestamp(status.CooldownEndsAt)))
	}
	if !status.Allowed {
		lines = append(lines, fmt.Sprintf("retry in:  %s", engine.FormatWait(status.RetryAfter)))
	}
	if status.Message != "" {
		lines = append(lines, "", status.Message)
	}

	_, err := fmt.Fprint(w, ascii.DrawBox(strings.Join(lines, "\n"), 0))
	return err
}

// WriteReset renders the outcome of a reset.
func WriteReset(w io.Writer, format Format, result ResetResult) error {
	if format != FormatTable {
		return Encode(w, format, result)
	}
	if result.DryRun {
		_, err := fmt.Fprintf(w, "Would delete %d rate limit entr(ies)\n", result.Matched)
		return err
	}
	_, err := fmt.Fprintf(w, "Deleted %d/%d rate limit entr(ies)\n", result.Deleted, result.Matched)
	return err
}

func timestamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
