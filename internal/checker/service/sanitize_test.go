package service

import (
	"strings"
	"testing"
)

func TestSanitizeLine_idempotent(t *testing.T) {
	inputs := []string{
		"plain value",
		"  spaced\t\tout\nvalue  ",
		"ctrl\x00\x01\x1f\x7fchars",
		strings.Repeat("long ", 200),
	}
	for _, in := range inputs {
		once := SanitizeLine(in, 50)
		twice := SanitizeLine(once, 50)
		if once != twice {
			t.Errorf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestStripControl(t *testing.T) {
	if got := StripControl("a\x00b\x1fc\x7fd"); got != "abcd" {
		t.Errorf("got %q", got)
	}
	if got := StripControl("tab\tkept?"); got != "tabkept?" {
		t.Errorf("tab is a control char: got %q", got)
	}
}

func TestCollapseSpaces(t *testing.T) {
	if got := CollapseSpaces("  v=spf1   MX \t -all  "); got != "v=spf1 MX -all" {
		t.Errorf("got %q", got)
	}
}

func TestDropSpaces(t *testing.T) {
	if got := DropSpaces(" edge .forwardmx. net "); got != "edge.forwardmx.net" {
		t.Errorf("got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("under-limit changed: %q", got)
	}
	got := Truncate("exactly-ten", 10)
	if runes := []rune(got); len(runes) != 10 || !strings.HasSuffix(got, "…") {
		t.Errorf("got %q (%d runes)", got, len(runes))
	}
	// Truncation at the limit is stable.
	if again := Truncate(got, 10); again != got {
		t.Errorf("not idempotent: %q -> %q", got, again)
	}
}

func TestCapList(t *testing.T) {
	values := []string{"one", "two", "three", "four"}
	capped := capList(values, 2, 100)
	if len(capped.Values) != 2 || capped.Total != 4 || !capped.Truncated {
		t.Errorf("got %+v", capped)
	}
	if len(capped.Hash) != 64 {
		t.Errorf("expected sha256 hash, got %q", capped.Hash)
	}

	// Same originals, same fingerprint.
	if again := capList(values, 2, 100); again.Hash != capped.Hash {
		t.Error("hash not deterministic")
	}

	// Nothing cut: no truncation flag, no hash.
	clean := capList([]string{"a", "b"}, 5, 100)
	if clean.Truncated || clean.Hash != "" {
		t.Errorf("got %+v", clean)
	}
}

func TestCapList_perValueTruncationSetsHash(t *testing.T) {
	capped := capList([]string{strings.Repeat("x", 50)}, 5, 10)
	if !capped.Truncated || capped.Hash == "" {
		t.Errorf("per-value truncation must flag and hash: %+v", capped)
	}
	if got := []rune(capped.Values[0]); len(got) != 10 {
		t.Errorf("value length: %d", len(got))
	}
}
