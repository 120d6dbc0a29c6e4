package types

import "testing"

func TestParseAddress(t *testing.T) {
	t.Parallel()

	a, err := ParseAddress("supervisor.intelligence@2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Role != RoleSupervisor || a.Name != "intelligence" || a.Version != 2 {
		t.Fatalf("unexpected address: %+v", a)
	}
	if a.String() != "supervisor.intelligence@2" {
		t.Fatalf("round trip mismatch: %s", a.String())
	}
}

func TestParseAddress_DefaultVersion(t *testing.T) {
	t.Parallel()

	a, err := ParseAddress("worker.vision")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Version != 1 {
		t.Fatalf("version must default to 1, got %d", a.Version)
	}
}

func TestParseAddress_Invalid(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "noseparator", ".name", "role.", "worker.x@zero", "worker.x@0"} {
		if _, err := ParseAddress(s); err == nil {
			t.Fatalf("expected error for %q", s)
		}
	}
}

func TestAddress_TextMarshalling(t *testing.T) {
	t.Parallel()

	a := NewAddress(RoleWorker, "vision")
	b, err := a.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Address
	if err := back.UnmarshalText(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != a {
		t.Fatalf("round trip mismatch: %+v != %+v", back, a)
	}
}
