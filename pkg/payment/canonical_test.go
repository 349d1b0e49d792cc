package payment

import "testing"

func TestCanonicalizeIsOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	b := map[string]any{"c": map[string]any{"y": 2, "z": 1}, "a": 2, "b": 1}

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("expected identical canonical bytes, got %s vs %s", ca, cb)
	}
}

func TestCanonicalizeKeyOrder(t *testing.T) {
	out, err := Canonicalize(map[string]any{"b": 1, "a": 2})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":2,"b":1}`
	if string(out) != want {
		t.Fatalf("got %s, want %s", out, want)
	}
}
