package auditlog

import (
	"net"
	"testing"
	"time"
)

func TestEventValidate(t *testing.T) {
	ok := Event{
		OccurredAt:   time.Unix(1755000000, 0).UTC(),
		Actor:        "orchestrator",
		Action:       "run.created",
		ResourceType: "run",
		ResourceID:   "run-1",
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	missing := ok
	missing.Action = "  "
	if err := missing.Validate(); err == nil {
		t.Fatalf("Validate() expected error for blank action")
	}
}

func TestComputeIntegritySHA256_Deterministic(t *testing.T) {
	event := Event{
		OccurredAt:   time.Unix(1755000000, 0).UTC(),
		Actor:        "orchestrator",
		Action:       "publish.rejected",
		ResourceType: "job_instance",
		ResourceID:   "inst-7",
		RequestID:    "req-9",
		IP:           net.ParseIP("192.0.2.10"),
		UserAgent:    "gantry-test",
	}
	payloadJSON := []byte(`{"version":"1.0.0"}`)

	a, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a != b {
		t.Fatalf("integrity mismatch: %q vs %q", a, b)
	}
}

func TestComputeIntegritySHA256_ChangesOnPayload(t *testing.T) {
	event := Event{
		OccurredAt:   time.Unix(1755000000, 0).UTC(),
		Actor:        "orchestrator",
		Action:       "run.finished",
		ResourceType: "run",
		ResourceID:   "run-1",
	}

	a, err := ComputeIntegritySHA256(event, []byte(`{"state":"succeeded"}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, []byte(`{"state":"failed"}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a == b {
		t.Fatalf("expected integrity to differ")
	}
}
