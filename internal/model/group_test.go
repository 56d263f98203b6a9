package model

import "testing"

func TestCanonicalMemberKeyOrderIndependent(t *testing.T) {
	perms := [][]string{
		{"3", "5", "9"},
		{"5", "3", "9"},
		{"9", "3", "5"},
		{"9", "5", "3"},
	}
	want := CanonicalMemberKey(perms[0])
	if want == "" {
		t.Fatal("expected non-empty key")
	}
	for _, p := range perms {
		if got := CanonicalMemberKey(p); got != want {
			t.Errorf("CanonicalMemberKey(%v) = %q, want %q", p, got, want)
		}
	}
}

func TestCanonicalMemberKeyDeduplicates(t *testing.T) {
	a := CanonicalMemberKey([]string{"7", "8", "7", "9"})
	b := CanonicalMemberKey([]string{"9", "8", "7"})
	if a != b {
		t.Errorf("expected duplicate members to collapse: %q != %q", a, b)
	}
}

func TestCanonicalMemberKeyStable(t *testing.T) {
	members := []string{"42", "7", "100"}
	first := CanonicalMemberKey(members)
	for i := 0; i < 10; i++ {
		if got := CanonicalMemberKey(members); got != first {
			t.Fatalf("key not stable: %q != %q", got, first)
		}
	}
}

func TestCanonicalMemberKeyDistinctSets(t *testing.T) {
	a := CanonicalMemberKey([]string{"1", "2"})
	b := CanonicalMemberKey([]string{"1", "2", "3"})
	if a == b {
		t.Errorf("different member sets must produce different keys, both %q", a)
	}
}

func TestNormalizeMembersPreservesInsertionOrder(t *testing.T) {
	got := NormalizeMembers([]string{"9", "", "3", "9", "5"})
	want := []string{"9", "3", "5"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
