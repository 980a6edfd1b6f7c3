package extract

import (
	"strings"

	"github.com/tsawler/prose/v3"
)

// EntityTerms runs NER over free text and returns normalized entity
// mentions (people, organizations, products) as extra candidate terms.
// Multi-word mentions are kept whole ("i3 verticals") alongside their
// individual tokens, so stored keyword phrases can hit directly.
//
// NER failures degrade to nil: entity terms only ever supplement the
// lexical term set, they never gate it.
func EntityTerms(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	doc, err := prose.NewDocument(text)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(term string) {
		term = strings.ToLower(strings.TrimSpace(term))
		if len(term) < minTermLen {
			return
		}
		if _, ok := seen[term]; ok {
			return
		}
		seen[term] = struct{}{}
		out = append(out, term)
	}

	for _, ent := range doc.Entities() {
		add(ent.Text)
		for _, tok := range Tokenize(ent.Text) {
			add(tok)
		}
	}
	return out
}
