package postgres

import "testing"

func TestDirectKey_OrderIndependent(t *testing.T) {
	if directKey("alice", "bob") != directKey("bob", "alice") {
		t.Error("the key must be the same for both orderings of a pair")
	}
}

func TestDirectKey_DistinctPairs(t *testing.T) {
	if directKey("alice", "bob") == directKey("alice", "carol") {
		t.Error("different pairs must produce different keys")
	}
}

func TestDirectKey_Canonical(t *testing.T) {
	if got := directKey("bob", "alice"); got != "alice:bob" {
		t.Errorf("expected alice:bob, got %q", got)
	}
}
