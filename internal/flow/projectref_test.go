package flow

import "testing"

func TestExtractProjectRef(t *testing.T) {
	text := "I saw this https://resileads.example.com/properties/marina-heights-tower today"
	name, url, ok := ExtractProjectRef(text)
	if !ok {
		t.Fatalf("expected a project reference to be found")
	}
	if name != "Marina Heights Tower" {
		t.Errorf("expected title-cased project name, got %q", name)
	}
	if url != "https://resileads.example.com/properties/marina-heights-tower" {
		t.Errorf("unexpected page URL %q", url)
	}
}

func TestExtractProjectRefNoMatch(t *testing.T) {
	for _, text := range []string{
		"hello there",
		"https://resileads.example.com/about-us",
		"properties/marina without a scheme",
	} {
		if _, _, ok := ExtractProjectRef(text); ok {
			t.Errorf("expected no match for %q", text)
		}
	}
}

func TestExtractProjectRefSingleWordSlug(t *testing.T) {
	name, _, ok := ExtractProjectRef("http://x.example/properties/oasis")
	if !ok || name != "Oasis" {
		t.Errorf("expected Oasis, got %q (ok=%v)", name, ok)
	}
}

func TestTitleCaseSlug(t *testing.T) {
	cases := map[string]string{
		"marina-heights-tower": "Marina Heights Tower",
		"OASIS":                "Oasis",
		"one":                  "One",
	}
	for in, want := range cases {
		if got := titleCaseSlug(in); got != want {
			t.Errorf("titleCaseSlug(%q): expected %q, got %q", in, want, got)
		}
	}
}
