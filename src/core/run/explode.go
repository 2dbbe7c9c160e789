package run

import (
	"encoding/json"
	"fmt"

	"geobatch/src/storage/postgres/jobctrl"
)

type manifest struct {
	Schema json.Number                  `json:"schema"`
	Layers map[string][]json.RawMessage `json:"layers"`
}

type layerEntry struct {
	Name string `json:"name"`
}

// ExplodeManifest fans a source manifest out into one job spec per
// named entry under each layer. Only schema 2 manifests carry layers;
// anything else is rejected so the caller can skip the source.
func ExplodeManifest(source string, data []byte) ([]jobctrl.Spec, error) {
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", source, err)
	}

	if m.Schema.String() != "2" {
		return nil, fmt.Errorf("manifest %s has unsupported schema %q", source, m.Schema.String())
	}
	if len(m.Layers) == 0 {
		return nil, fmt.Errorf("manifest %s has no layers", source)
	}

	var specs []jobctrl.Spec
	for layer, entries := range m.Layers {
		for i, raw := range entries {
			var entry layerEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return nil, fmt.Errorf("manifest %s layer %s entry %d: %w", source, layer, i, err)
			}
			if entry.Name == "" {
				return nil, fmt.Errorf("manifest %s layer %s entry %d has no name", source, layer, i)
			}
			specs = append(specs, jobctrl.Spec{
				Source: source,
				Layer:  layer,
				Name:   entry.Name,
			})
		}
	}

	return specs, nil
}
