package analyzer

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// foldPool holds transformer chains; a chain is stateful and not shareable.
var foldPool = sync.Pool{
	New: func() any {
		return transform.Chain(
			norm.NFKC,
			cases.Fold(),
			runes.Remove(runes.In(unicode.Mn)),
			width.Fold,
		)
	},
}

// tokenize case-folds s and splits it into words. Apostrophes stay inside
// words so "don't" is one token.
func tokenize(s string) []string {
	if s == "" {
		return nil
	}
	tr := foldPool.Get().(transform.Transformer)
	folded, _, err := transform.String(tr, strings.ToValidUTF8(s, ""))
	tr.Reset()
	foldPool.Put(tr)
	if err != nil {
		folded = strings.ToLower(s)
	}
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'')
	})
}

// termSet matches single words and multi-word phrases against token lists.
type termSet [][]string

type termSets struct {
	minimizing    termSet
	defensive     termSet
	vague         termSet
	perfectionist termSet
	overselling   termSet
}

func compileTerms(terms []string) termSet {
	set := make(termSet, 0, len(terms))
	for _, t := range terms {
		if toks := tokenize(t); len(toks) > 0 {
			set = append(set, toks)
		}
	}
	return set
}

// matches reports whether any term occurs as a whole-word sequence in tokens.
func (s termSet) matches(tokens []string) bool {
	for _, term := range s {
		for i := 0; i+len(term) <= len(tokens); i++ {
			if equalTokens(tokens[i:i+len(term)], term) {
				return true
			}
		}
	}
	return false
}

func equalTokens(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
