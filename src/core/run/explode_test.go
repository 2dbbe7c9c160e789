package run

import (
	"sort"
	"testing"
)

func TestExplodeManifest(t *testing.T) {
	data := []byte(`{
		"schema": 2,
		"layers": {
			"addresses": [
				{"name": "city"},
				{"name": "county"}
			],
			"parcels": [
				{"name": "county"}
			]
		}
	}`)

	specs, err := ExplodeManifest("https://example.com/sources/us/ca/alameda.json", data)
	if err != nil {
		t.Fatalf("ExplodeManifest: %v", err)
	}

	if len(specs) != 3 {
		t.Fatalf("got %d specs, want 3", len(specs))
	}

	keys := make([]string, len(specs))
	for i, s := range specs {
		if s.Source != "https://example.com/sources/us/ca/alameda.json" {
			t.Errorf("spec %d source = %q", i, s.Source)
		}
		keys[i] = s.Layer + "/" + s.Name
	}
	sort.Strings(keys)

	want := []string{"addresses/city", "addresses/county", "parcels/county"}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestExplodeManifestStringSchema(t *testing.T) {
	data := []byte(`{"schema": "2", "layers": {"addresses": [{"name": "city"}]}}`)

	specs, err := ExplodeManifest("src", data)
	if err != nil {
		t.Fatalf("ExplodeManifest: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("got %d specs, want 1", len(specs))
	}
}

func TestExplodeManifestRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"old schema", `{"schema": 1, "layers": {"addresses": [{"name": "city"}]}}`},
		{"missing schema", `{"layers": {"addresses": [{"name": "city"}]}}`},
		{"no layers", `{"schema": 2}`},
		{"empty layers", `{"schema": 2, "layers": {}}`},
		{"unnamed entry", `{"schema": 2, "layers": {"addresses": [{}]}}`},
		{"not json", `---`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ExplodeManifest("src", []byte(tt.data)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
