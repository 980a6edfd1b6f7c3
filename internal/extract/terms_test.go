package extract

import (
	"reflect"
	"testing"
)

func TestTermsBasic(t *testing.T) {
	got := Terms("i3 loan docs", "please find the term sheet attached", "RLV_TRM_i3_TD.pdf")

	want := []string{"docs", "i3", "loan", "pdf", "rlv", "sheet", "td", "term", "trm"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestTermsEmptyInputs(t *testing.T) {
	got := Terms("", "", "")
	if len(got) != 0 {
		t.Errorf("expected empty set for empty inputs, got %v", got)
	}
}

func TestTermsDropShortAndStopwords(t *testing.T) {
	got := Terms("Re: a Q1 report for the fund", "", "")

	for _, term := range got {
		if term == "re" || term == "a" || term == "the" || term == "for" {
			t.Errorf("stopword %q leaked into terms", term)
		}
		if len(term) < 2 {
			t.Errorf("short token %q leaked into terms", term)
		}
	}
	if !contains(got, "q1") || !contains(got, "report") || !contains(got, "fund") {
		t.Errorf("expected q1/report/fund in %v", got)
	}
}

func TestTermsDeterministic(t *testing.T) {
	a := Terms("alpha beta gamma", "beta delta", "gamma_delta.pdf")
	b := Terms("alpha beta gamma", "beta delta", "gamma_delta.pdf")
	if !reflect.DeepEqual(a, b) {
		t.Errorf("identical inputs produced different terms: %v vs %v", a, b)
	}
}

func TestTokenizePreservesDuplicates(t *testing.T) {
	got := Tokenize("credit credit fund")
	if len(got) != 3 {
		t.Errorf("expected 3 tokens with duplicates preserved, got %v", got)
	}
}

func TestTokenizeSplitsFilenames(t *testing.T) {
	got := Tokenize("RLV_TRM_i3_TD.pdf")
	want := []string{"rlv", "trm", "i3", "td", "pdf"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestTokenSet(t *testing.T) {
	set := TokenSet("i3 loan i3")
	if len(set) != 2 {
		t.Errorf("expected 2 distinct tokens, got %v", set)
	}
	if _, ok := set["i3"]; !ok {
		t.Error("expected i3 in token set")
	}
}

func TestEntityTermsEmptyText(t *testing.T) {
	if got := EntityTerms("   "); got != nil {
		t.Errorf("expected nil for blank text, got %v", got)
	}
}

func TestEntityTermsNormalized(t *testing.T) {
	// NER output varies by model; whatever comes back must be normalized
	// and deduplicated.
	got := EntityTerms("Acme Capital sent the Johnson Tower appraisal to Acme Capital")
	seen := map[string]struct{}{}
	for _, term := range got {
		if term != stringsLower(term) {
			t.Errorf("entity term %q not lower-cased", term)
		}
		if _, dup := seen[term]; dup {
			t.Errorf("duplicate entity term %q", term)
		}
		seen[term] = struct{}{}
	}
}

func stringsLower(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'A' && r <= 'Z' {
			out[i] = r + 32
		}
	}
	return string(out)
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
