package jobctrl

import (
	"reflect"
	"testing"

	"geobatch/src/core/fault"
)

func TestSourceName(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"https://raw.githubusercontent.com/openaddresses/openaddresses/abc/sources/us/ca/alameda.json", "us/ca/alameda"},
		{"https://example.com/sources/de/berlin.json", "de/berlin"},
		{"alameda.json", "alameda"},
		{"https://example.com/other/path.json", "path"},
	}

	for _, tt := range tests {
		if got := SourceName(tt.source); got != tt.want {
			t.Errorf("SourceName(%q) = %q, want %q", tt.source, got, tt.want)
		}
	}
}

func TestPatchAllowedFields(t *testing.T) {
	job := &Job{ID: 1, Status: StatusPending}

	err := job.Patch(map[string]interface{}{
		"status":  "Success",
		"output":  "s3://bucket/out.zip",
		"loglink": "job/1",
		"count":   float64(1200),
		"stats":   map[string]interface{}{"addresses": float64(1200)},
		"version": "3.0.0",
	})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	if job.Status != StatusSuccess {
		t.Errorf("status = %s", job.Status)
	}
	if job.Output != "s3://bucket/out.zip" || job.Loglink != "job/1" || job.Version != "3.0.0" {
		t.Errorf("job = %+v", job)
	}
	if job.Count == nil || *job.Count != 1200 {
		t.Errorf("count = %v", job.Count)
	}
	if v, ok := job.Stats["addresses"].(float64); !ok || v != 1200 {
		t.Errorf("stats = %v", job.Stats)
	}
}

func TestPatchTerminalStatusFrozen(t *testing.T) {
	for _, terminal := range []Status{StatusSuccess, StatusFail, StatusWarn} {
		job := &Job{ID: 1, Status: terminal}

		err := job.Patch(map[string]interface{}{"status": "Pending"})
		if fault.KindOf(err) != fault.KindConflict {
			t.Errorf("Patch(%s -> Pending) error = %v, want conflict", terminal, err)
		}
		if job.Status != terminal {
			t.Errorf("terminal job left %s, want %s", job.Status, terminal)
		}

		// Re-reporting the same terminal status stays idempotent.
		if err := job.Patch(map[string]interface{}{"status": string(terminal)}); err != nil {
			t.Errorf("Patch(%s -> %s): %v", terminal, terminal, err)
		}
	}
}

func TestPatchRejections(t *testing.T) {
	tests := []struct {
		name  string
		patch map[string]interface{}
	}{
		{"unknown field", map[string]interface{}{"id": float64(99)}},
		{"identity field", map[string]interface{}{"source": "elsewhere"}},
		{"run reassignment", map[string]interface{}{"run": float64(2)}},
		{"bad status", map[string]interface{}{"status": "Done"}},
		{"non-string status", map[string]interface{}{"status": float64(1)}},
		{"non-numeric count", map[string]interface{}{"count": "many"}},
		{"non-object stats", map[string]interface{}{"stats": "lots"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &Job{ID: 1, Run: 1, Source: "src", Status: StatusPending}
			err := job.Patch(tt.patch)
			if fault.KindOf(err) != fault.KindValidation {
				t.Errorf("Patch(%v) error = %v, want validation", tt.patch, err)
			}
			if job.Status != StatusPending || job.Run != 1 || job.Source != "src" {
				t.Errorf("rejected patch mutated job: %+v", job)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending: false,
		StatusRunning: false,
		StatusSuccess: true,
		StatusFail:    true,
		StatusWarn:    true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestDiffStats(t *testing.T) {
	old := map[string]interface{}{
		"addresses": float64(100),
		"layers": map[string]interface{}{
			"parcels": float64(50),
			"gone":    float64(5),
		},
	}
	current := map[string]interface{}{
		"addresses": float64(120),
		"buildings": float64(30),
		"layers": map[string]interface{}{
			"parcels": float64(45),
		},
	}

	want := map[string]interface{}{
		"addresses": float64(20),
		"buildings": float64(30),
		"layers": map[string]interface{}{
			"parcels": float64(-5),
			"gone":    float64(-5),
		},
	}

	got := DiffStats(old, current)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DiffStats = %v, want %v", got, want)
	}
}

func TestDiffStatsEmptySides(t *testing.T) {
	got := DiffStats(nil, map[string]interface{}{"addresses": float64(10)})
	if v := got["addresses"].(float64); v != 10 {
		t.Errorf("fresh stats diff = %v", got)
	}

	got = DiffStats(map[string]interface{}{"addresses": float64(10)}, nil)
	if v := got["addresses"].(float64); v != -10 {
		t.Errorf("vanished stats diff = %v", got)
	}
}
