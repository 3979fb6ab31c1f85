package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/igtexd/internal/journal"
	"github.com/mattjoyce/igtexd/internal/media"
	"github.com/mattjoyce/igtexd/internal/validate"
	"github.com/mattjoyce/igtexd/internal/workspace"
)

// Journal is the read side of the compilation journal.
type Journal interface {
	Workspace(ctx context.Context, id string, limit int) (*journal.Workspace, error)
}

// Report is the structured JSON representation of a workspace report. It
// joins what the journal recorded with what is on disk now.
type Report struct {
	WorkspaceID  string                `json:"workspace_id"`
	Dir          string                `json:"dir"`
	Document     string                `json:"document,omitempty"`
	State        string                `json:"state"`
	CreatedAt    *time.Time            `json:"created_at,omitempty"`
	Required     []media.Reference     `json:"required"`
	Missing      []string              `json:"missing"`
	Assets       []Asset               `json:"assets"`
	Artifact     string                `json:"artifact,omitempty"`
	Compilations []journal.Compilation `json:"compilations"`
}

// Asset is one media file as seen by the journal, the disk, or both.
type Asset struct {
	Name      string `json:"name"`
	OnDisk    bool   `json:"on_disk"`
	Journaled bool   `json:"journaled"`
	Size      int64  `json:"size,omitempty"`
	Digest    string `json:"digest,omitempty"`
}

// stateUntracked marks a workspace directory the journal has no row for.
const stateUntracked = "untracked"

// BuildReport renders a terminal-friendly report for a workspace.
func BuildReport(ctx context.Context, j Journal, mgr workspace.Manager, id string, limit int) (string, error) {
	report, err := gatherReportData(ctx, j, mgr, id, limit)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Workspace Report\n")
	fmt.Fprintf(&out, "Workspace   : %s\n", report.WorkspaceID)
	fmt.Fprintf(&out, "Directory   : %s\n", report.Dir)
	fmt.Fprintf(&out, "Document    : %s\n", renderUnset(report.Document, "<none>"))
	fmt.Fprintf(&out, "State       : %s\n", report.State)
	if report.CreatedAt != nil {
		fmt.Fprintf(&out, "Created     : %s\n", report.CreatedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&out, "Artifact    : %s\n", renderUnset(report.Artifact, "<none>"))
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Required media (%d)\n", len(report.Required))
	missing := validate.Set(report.Missing...)
	for _, ref := range report.Required {
		mark := "ok"
		if _, gone := missing[ref.Name]; gone {
			mark = "MISSING"
		}
		fmt.Fprintf(&out, "  %-7s %-5s %s\n", mark, ref.Kind, ref.Name)
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Assets (%d)\n", len(report.Assets))
	for _, a := range report.Assets {
		var notes []string
		if !a.OnDisk {
			notes = append(notes, "not on disk")
		}
		if !a.Journaled {
			notes = append(notes, "not journaled")
		}
		line := fmt.Sprintf("  %s", a.Name)
		if a.Journaled {
			line += fmt.Sprintf("  %d bytes  %s", a.Size, shortDigest(a.Digest))
		}
		if len(notes) > 0 {
			line += "  (" + strings.Join(notes, ", ") + ")"
		}
		fmt.Fprintf(&out, "%s\n", line)
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Compilations (%d most recent)\n", len(report.Compilations))
	for _, c := range report.Compilations {
		fmt.Fprintf(&out, "  %s  %-16s %-6s %dms\n", c.StartedAt.Format(time.RFC3339), c.Status, c.Trigger, c.DurationMs)
		if len(c.Missing) > 0 {
			fmt.Fprintf(&out, "      missing    : %s\n", strings.Join(c.Missing, ", "))
		}
		if c.ExitCode != nil {
			fmt.Fprintf(&out, "      exit_code  : %d\n", *c.ExitCode)
		}
		if first := firstLine(c.Diagnostics); first != "" && c.Status != journal.StatusSucceeded {
			fmt.Fprintf(&out, "      diagnostic : %s\n", first)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON workspace report.
func BuildJSONReport(ctx context.Context, j Journal, mgr workspace.Manager, id string, limit int) (string, error) {
	report, err := gatherReportData(ctx, j, mgr, id, limit)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, j Journal, mgr workspace.Manager, id string, limit int) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("workspace id is required")
	}

	ws, err := mgr.Open(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &Report{
		WorkspaceID:  ws.ID,
		Dir:          ws.Dir,
		State:        stateUntracked,
		Required:     []media.Reference{},
		Missing:      []string{},
		Assets:       []Asset{},
		Compilations: []journal.Compilation{},
	}

	recorded, err := j.Workspace(ctx, id, limit)
	switch {
	case errors.Is(err, journal.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load journal for %q: %w", id, err)
	default:
		report.State = string(recorded.State)
		created := recorded.CreatedAt
		report.CreatedAt = &created
		report.Compilations = recorded.Compilations
	}

	present, err := mgr.ListAssets(ctx, ws)
	if err != nil {
		return nil, err
	}
	report.Assets = mergeAssets(present, recorded)

	if docPath, err := mgr.Document(ctx, ws); err == nil {
		report.Document = docPath
		refs, err := media.ExtractFile(docPath)
		if err != nil {
			return nil, err
		}
		report.Required = refs
		report.Missing = validate.Missing(media.Names(refs), present)
	}

	if _, err := os.Stat(ws.ArtifactPath()); err == nil {
		report.Artifact = ws.ArtifactPath()
	}

	return report, nil
}

func mergeAssets(present map[string]struct{}, recorded *journal.Workspace) []Asset {
	byName := make(map[string]*Asset, len(present))
	for name := range present {
		byName[name] = &Asset{Name: name, OnDisk: true}
	}
	if recorded != nil {
		for _, a := range recorded.Assets {
			entry, ok := byName[a.Name]
			if !ok {
				entry = &Asset{Name: a.Name}
				byName[a.Name] = entry
			}
			entry.Journaled = true
			entry.Size = a.Size
			entry.Digest = a.Digest
		}
	}

	out := make([]Asset, 0, len(byName))
	for _, a := range byName {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
