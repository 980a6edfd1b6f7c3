// Package extract derives normalized candidate terms from message text.
//
// Terms feed both the relevance scorer and the entity matcher. Extraction
// is pure: empty inputs produce an empty set, never an error.
package extract

import (
	"sort"
	"strings"
	"unicode"
)

// minTermLen is the shortest token kept as a term.
const minTermLen = 2

// stopwords are tokens too generic to carry matching signal. The list is
// deliberately small: domain vocabulary ("loan", "term") stays in because
// the matcher's priority/general partition handles its noise.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "but": {}, "by": {}, "for": {}, "from": {}, "has": {},
	"have": {}, "he": {}, "her": {}, "his": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "our": {},
	"per": {}, "please": {}, "re": {}, "regards": {}, "she": {},
	"that": {}, "the": {}, "their": {}, "them": {}, "they": {},
	"this": {}, "to": {}, "was": {}, "we": {}, "were": {}, "will": {},
	"with": {}, "you": {}, "your": {},
	// email boilerplate
	"fw": {}, "fwd": {}, "hi": {}, "hello": {}, "thanks": {}, "thank": {},
	"attached": {}, "attachment": {}, "find": {}, "see": {},
}

// Terms extracts the normalized term set from subject, body and an
// attachment filename. Tokens are lower-cased, split on any
// non-alphanumeric rune, stop-words removed and de-duplicated. The result
// is sorted so identical inputs always produce identical output.
func Terms(subject, body, filename string) []string {
	seen := make(map[string]struct{})
	for _, text := range []string{subject, body, filename} {
		for _, tok := range Tokenize(text) {
			seen[tok] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for tok := range seen {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// Tokenize splits one text into normalized tokens, preserving order and
// duplicates. Used directly where counting matters (name overlap).
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	out := make([]string, 0, len(fields))
	for _, tok := range fields {
		tok = strings.TrimSpace(tok)
		if len(tok) < minTermLen {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// TokenSet returns Tokenize output as a membership set.
func TokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range Tokenize(text) {
		set[tok] = struct{}{}
	}
	return set
}
