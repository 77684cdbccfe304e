package textutil

import "testing"

func TestQueryDisplayName(t *testing.T) {
	cases := map[string]string{
		"/queries/security/UnsafeDeserialization.ql": "Unsafe Deserialization",
		"find-unused_imports.ql":                     "Find Unused Imports",
		"SQLInjection.ql":                            "SQLInjection",
		"cwe-079/XSS2Reflected.ql":                   "XSS2 Reflected",
		"":                                           "Untitled Query",
		"---.ql":                                     "Untitled Query",
	}
	for input, want := range cases {
		if got := QueryDisplayName(input); got != want {
			t.Errorf("QueryDisplayName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestSanitizeToken(t *testing.T) {
	cases := map[string]string{
		"Unsafe Deserialization": "unsafe_deserialization",
		"  ":                     "unknown",
		"a/b:c":                  "a_b_c",
		"#select":                "select",
	}
	for input, want := range cases {
		if got := SanitizeToken(input); got != want {
			t.Errorf("SanitizeToken(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestSanitizeFileName(t *testing.T) {
	if got := SanitizeFileName(` a/b:c?"d" `); got != "a-b-cd" {
		t.Fatalf("unexpected %q", got)
	}
}
