package classify

import "testing"

func TestFromDriverCode(t *testing.T) {
	cases := []struct {
		code int
		want Category
	}{
		{1045, AccessDenied},
		{1213, Deadlock},
		{2006, ServerGone},
		{2013, ConnectionError},
		{1205, LockWaitTimeout},
		{1317, QueryInterrupted},
		{2026, SSLError},
		{1049, ObjectNotFound},
		{1146, ObjectNotFound},
		{1054, ObjectNotFound},
		{1062, ConstraintViolated},
		{1064, SyntaxError},
		{9999, Unknown},
	}
	for _, c := range cases {
		got := FromDriverCode(c.code, "boom")
		if got.Category != c.want {
			t.Errorf("code %d: got category %s, want %s", c.code, got.Category, c.want)
		}
		if got.DriverCode != c.code {
			t.Errorf("code %d: DriverCode not preserved, got %d", c.code, got.DriverCode)
		}
	}
}

func TestAsWrapsPlainErrors(t *testing.T) {
	ce := As(errString("boom"))
	if ce.Category != Unknown {
		t.Fatalf("expected UNKNOWN for an unclassified error, got %s", ce.Category)
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestMaskSecretsIdempotent(t *testing.T) {
	s := "dsn=user:pass@tcp(host)/db?password=hunter2&timeout=5"
	once := MaskSecrets(s)
	twice := MaskSecrets(once)
	if once != twice {
		t.Fatalf("masking is not idempotent: %q vs %q", once, twice)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 100); got != "short" {
		t.Fatalf("unexpected truncation of short string: %q", got)
	}
	long := make([]byte, 150)
	for i := range long {
		long[i] = 'a'
	}
	if got := Truncate(string(long), 100); len(got) != 100 {
		t.Fatalf("expected truncation to 100 bytes, got %d", len(got))
	}
}
