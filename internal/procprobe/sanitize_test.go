package procprobe

import "testing"

func TestSanitizeFile(t *testing.T) {
	tt := []struct {
		in      string
		want    string
		wantOK  bool
		comment string
	}{
		{"/bin/bash", "/bin/bash", true, "plain absolute path"},
		{"bash", "", false, "not file-backed"},
		{"/bin/bash.#prelink#.12345", "/bin/bash", true, "prelink rename is recovered"},
		{"/bin/bash (deleted)", "", false, "deleted and not prelinked is rejected"},
	}

	for _, tc := range tt {
		got, ok := sanitizeFile(tc.in)
		if ok != tc.wantOK {
			t.Fatalf("%s: sanitizeFile(%q) ok = %v, want %v", tc.comment, tc.in, ok, tc.wantOK)
		}
		if ok && got != tc.want {
			t.Fatalf("%s: sanitizeFile(%q) = %q, want %q", tc.comment, tc.in, got, tc.want)
		}
	}
}

func TestAcceptFile(t *testing.T) {
	prefixes := []string{"!/usr/bin/evince", "/usr/bin/", "!/"}

	tt := []struct {
		path string
		want bool
	}{
		{"/usr/bin/evince", false},
		{"/usr/bin/bash", true},
		{"/opt/app", false},
		{"/anything/else", false},
	}

	for _, tc := range tt {
		if got := acceptFile(tc.path, prefixes); got != tc.want {
			t.Fatalf("acceptFile(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestAcceptFileNoPrefixesAcceptsEverything(t *testing.T) {
	if !acceptFile("/anything", nil) {
		t.Fatal("expected default accept with no prefix list")
	}
}
