package dbtypes

import "testing"

func TestJSONMapScanAndValue(t *testing.T) {
	in := JSONMap{"identification": map[string]any{"id": float64(7)}, "name": "widget"}

	v, err := in.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}

	var out JSONMap
	if err := out.Scan(v); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if out["name"] != "widget" {
		t.Fatalf("unexpected name %v", out["name"])
	}
	ident, ok := out["identification"].(map[string]any)
	if !ok || ident["id"] != float64(7) {
		t.Fatalf("unexpected identification %v", out["identification"])
	}
}

func TestJSONMapScanNilAndEmpty(t *testing.T) {
	var m JSONMap
	if err := m.Scan(nil); err != nil || m == nil || len(m) != 0 {
		t.Fatalf("expected empty map from nil, got %v err=%v", m, err)
	}
	if err := m.Scan([]byte{}); err != nil || len(m) != 0 {
		t.Fatalf("expected empty map from empty bytes, got %v err=%v", m, err)
	}
	if err := m.Scan(42); err == nil {
		t.Fatalf("expected error for unsupported type")
	}

	var nilMap JSONMap
	v, err := nilMap.Value()
	if err != nil || v != "{}" {
		t.Fatalf("expected {} for nil map, got %v err=%v", v, err)
	}
}

func TestJSONMapClone(t *testing.T) {
	orig := JSONMap{"a": 1}
	clone := orig.Clone()
	clone["b"] = 2
	if _, ok := orig["b"]; ok {
		t.Fatalf("clone mutated original")
	}
}
