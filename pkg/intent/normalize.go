package intent

import (
	"slices"
	"strings"
	"unicode"
)

// Normalize lower-cases text, expands contractions, strips punctuation,
// collapses whitespace and removes filler words. It returns the remaining
// tokens. The result depends only on text and the table.
func (t *Table) Normalize(text string) []string {
	text = strings.ToLower(text)
	text = strings.Map(func(r rune) rune {
		if r == '’' || r == '`' {
			return '\''
		}
		return r
	}, text)

	var tokens []string
	for _, word := range strings.Fields(text) {
		word = strings.TrimFunc(word, isEdgePunct)
		if word == "" {
			continue
		}
		if exp, ok := t.Contractions[word]; ok {
			tokens = append(tokens, strings.Fields(exp)...)
			continue
		}
		word = strings.Map(keepTokenRune, word)
		word = strings.TrimFunc(word, isEdgePunct)
		if word != "" {
			tokens = append(tokens, word)
		}
	}
	return t.dropFillers(tokens)
}

// keepTokenRune keeps the characters that may appear in package names.
func keepTokenRune(r rune) rune {
	switch {
	case unicode.IsLetter(r), unicode.IsDigit(r):
		return r
	case r == '.', r == '_', r == '+', r == '-':
		return r
	default:
		return -1
	}
}

func isEdgePunct(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '+'
}

func (t *Table) dropFillers(tokens []string) []string {
	out := tokens[:0:0]
	for i := 0; i < len(tokens); {
		n := t.fillerAt(tokens[i:])
		if n > 0 {
			i += n
			continue
		}
		out = append(out, tokens[i])
		i++
	}
	// A request made only of fillers ("please") keeps its words.
	if len(out) == 0 {
		return tokens
	}
	return out
}

func (t *Table) fillerAt(tokens []string) int {
	for _, f := range t.fillers {
		if len(f) <= len(tokens) && slices.Equal(f, tokens[:len(f)]) {
			return len(f)
		}
	}
	return 0
}
