package jsonb

import (
	"testing"
)

func TestMapRoundTrip(t *testing.T) {
	m := Map{"addresses": float64(1200), "nested": map[string]interface{}{"ok": true}}

	value, err := m.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}

	var scanned Map
	if err := scanned.Scan(value); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if scanned["addresses"] != float64(1200) {
		t.Errorf("addresses = %v", scanned["addresses"])
	}
	nested, ok := scanned["nested"].(map[string]interface{})
	if !ok || nested["ok"] != true {
		t.Errorf("nested = %v", scanned["nested"])
	}
}

func TestMapScanString(t *testing.T) {
	var m Map
	if err := m.Scan(`{"count": 5}`); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if m["count"] != float64(5) {
		t.Errorf("count = %v", m["count"])
	}
}

func TestMapScanNil(t *testing.T) {
	var m Map
	if err := m.Scan(nil); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if m != nil {
		t.Errorf("m = %v, want nil", m)
	}
}

func TestNilMapValue(t *testing.T) {
	var m Map
	value, err := m.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if value != nil {
		t.Errorf("value = %v, want nil", value)
	}
}
