package sanitize

import "testing"

func TestString(t *testing.T) {
	cases := map[string]string{
		"clean title":            "clean title",
		"has\x00nul":             "hasnul",
		"tab\tkept":              "tab\tkept",
		"newline\nkept":          "newline\nkept",
		"cr\rkept":               "cr\rkept",
		"bell\x07stripped":       "bellstripped",
		"\x1bescape stripped":    "escape stripped",
		"del\x7fstripped":        "delstripped",
	}

	for in, want := range cases {
		if got := String(in); got != want {
			t.Errorf("String(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello world", 5); got != "hello" {
		t.Errorf("Truncate = %q, want %q", got, "hello")
	}
	if got := Truncate("short", 50); got != "short" {
		t.Errorf("Truncate = %q, want %q", got, "short")
	}
	if got := Truncate("a\x00b c", 4); got != "ab c" {
		t.Errorf("Truncate = %q, want %q", got, "ab c")
	}
	if got := Truncate("anything", 0); got != "" {
		t.Errorf("Truncate with n=0 = %q, want empty", got)
	}
}

func TestClean(t *testing.T) {
	if !Clean("all good") {
		t.Error("expected clean string to report Clean")
	}
	if Clean("bad\x00string") {
		t.Error("expected dirty string to report not Clean")
	}
}
