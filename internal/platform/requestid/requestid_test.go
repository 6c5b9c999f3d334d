package requestid

import "testing"

func TestNew(t *testing.T) {
	a := New()
	b := New()
	if a == "" || b == "" {
		t.Fatalf("New() returned empty id")
	}
	if a == b {
		t.Fatalf("New() returned duplicate id %q", a)
	}
	if len(a) != 36 {
		t.Fatalf("New()=%q, want canonical uuid form", a)
	}
}
