package domain

import "testing"

func TestAggregateRunState(t *testing.T) {
	tests := []struct {
		name   string
		states []InstanceState
		want   RunState
	}{
		{"no instances", nil, RunStateSucceeded},
		{"all succeeded", []InstanceState{InstanceSucceeded, InstanceSucceeded}, RunStateSucceeded},
		{"one failed", []InstanceState{InstanceSucceeded, InstanceFailed}, RunStateFailed},
		{"still running", []InstanceState{InstanceSucceeded, InstanceRunning}, RunStateRunning},
		{"pending counts as running", []InstanceState{InstancePending}, RunStateRunning},
		{"skipped counts as failure", []InstanceState{InstanceSucceeded, InstanceSkipped}, RunStateFailed},
		{"failed beats canceled", []InstanceState{InstanceFailed, InstanceCanceled}, RunStateFailed},
		{"all canceled", []InstanceState{InstanceCanceled, InstanceCanceled}, RunStateCanceled},
	}
	for _, tc := range tests {
		if got := AggregateRunState(tc.states); got != tc.want {
			t.Fatalf("%s: AggregateRunState()=%q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestCanTransitionInstanceState(t *testing.T) {
	tests := []struct {
		current InstanceState
		next    InstanceState
		want    bool
	}{
		{InstancePending, InstanceRunning, true},
		{InstancePending, InstanceSkipped, true},
		{InstanceRunning, InstanceSucceeded, true},
		{InstanceRunning, InstanceFailed, true},
		{InstanceRunning, InstanceCanceled, true},
		{InstanceSucceeded, InstanceRunning, false},
		{InstanceFailed, InstanceSucceeded, false},
		{InstanceRunning, InstancePending, false},
		{"", InstanceRunning, false},
	}
	for _, tc := range tests {
		if got := CanTransitionInstanceState(tc.current, tc.next); got != tc.want {
			t.Fatalf("CanTransitionInstanceState(%q, %q)=%v, want %v", tc.current, tc.next, got, tc.want)
		}
	}
}

func TestNormalizeRunState(t *testing.T) {
	if got := NormalizeRunState(" Succeeded "); got != RunStateSucceeded {
		t.Fatalf("NormalizeRunState()=%q, want succeeded", got)
	}
	if got := NormalizeRunState("cancelled"); got != RunStateCanceled {
		t.Fatalf("NormalizeRunState()=%q, want canceled", got)
	}
	if got := NormalizeRunState("bogus"); got != "" {
		t.Fatalf("NormalizeRunState()=%q, want empty", got)
	}
}

func TestBindingID(t *testing.T) {
	b := Binding{{Name: "interpreter", Value: "3.7"}, {Name: "os", Value: "linux"}}
	if got := b.ID(); got != "interpreter=3.7,os=linux" {
		t.Fatalf("ID()=%q", got)
	}
	if got := (Binding{}).ID(); got != "" {
		t.Fatalf("empty binding ID()=%q, want empty", got)
	}
	v, ok := b.Value("interpreter")
	if !ok || v != "3.7" {
		t.Fatalf("Value(interpreter)=%q,%v", v, ok)
	}
	if _, ok := b.Value("arch"); ok {
		t.Fatalf("Value(arch) should miss")
	}
}
