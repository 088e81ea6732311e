package ids

import "testing"

func TestNewReturnsUniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if id == "" {
			t.Fatalf("empty id")
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestIncidentIsDeterministic(t *testing.T) {
	a := Incident("slack", "C1234", "1700000000.000100")
	b := Incident("slack", "C1234", "1700000000.000100")
	if a != b {
		t.Fatalf("expected identical ids, got %s and %s", a, b)
	}

	c := Incident("slack", "C1234", "1700000000.000200")
	if a == c {
		t.Fatalf("expected different ids for different thread keys")
	}
}

func TestIncidentTrimsKeyParts(t *testing.T) {
	a := Incident("slack", " C1234 ", "ts")
	b := Incident("slack", "C1234", "ts")
	if a != b {
		t.Fatalf("expected trimmed keys to derive the same id")
	}
}
