package rbac

import "testing"

func TestTransitiveUnionOverParents(t *testing.T) {
	r := New()
	_ = r.PutRole(Role{ID: "base", Permissions: map[string]bool{"sql:read": true}})
	_ = r.PutRole(Role{ID: "writer", Permissions: map[string]bool{"sql:write": true}, Parents: []string{"base"}})
	r.AssignRole("alice", "writer")

	perms := r.Permissions("alice")
	if !perms["sql:read"] || !perms["sql:write"] {
		t.Fatalf("expected transitive union of parent permissions, got %+v", perms)
	}
}

func TestCycleRejected(t *testing.T) {
	r := New()
	_ = r.PutRole(Role{ID: "a", Parents: []string{"b"}})
	err := r.PutRole(Role{ID: "b", Parents: []string{"a"}})
	if err == nil {
		t.Fatal("expected cycle to be rejected")
	}
}

func TestUnknownPrincipalHasNoPermissions(t *testing.T) {
	r := New()
	if perms := r.Permissions("ghost"); len(perms) != 0 {
		t.Fatalf("expected no permissions, got %+v", perms)
	}
}

func TestVerbPermissionMapping(t *testing.T) {
	cases := map[string]string{
		"SELECT": "sql:read",
		"INSERT": "sql:write",
		"DROP":   "sql:ddl",
		"GRANT":  "sql:unknown",
	}
	for verb, want := range cases {
		if got := VerbPermission(verb); got != want {
			t.Errorf("VerbPermission(%q) = %q, want %q", verb, got, want)
		}
	}
}
