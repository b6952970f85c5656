package ids

import (
	"regexp"
	"testing"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if len(a) != 26 {
		t.Fatalf("unexpected length %d", len(a))
	}
	if a >= b {
		t.Fatalf("expected %s < %s", a, b)
	}
}

func TestCodeFormat(t *testing.T) {
	re := regexp.MustCompile(`^[A-Z2-7]{32}$`)
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		code, err := Code()
		if err != nil {
			t.Fatalf("Code: %v", err)
		}
		if !re.MatchString(code) {
			t.Fatalf("unexpected code format %q", code)
		}
		if _, dup := seen[code]; dup {
			t.Fatalf("duplicate code %q", code)
		}
		seen[code] = struct{}{}
	}
}
