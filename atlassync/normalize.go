package atlassync

import (
	"strings"
	"unicode"
)

// hyphenVariants covers the dash characters that show up in compound
// surnames coming from different upstream encodings.
var hyphenVariants = strings.NewReplacer(
	"‐", "-", // hyphen
	"‑", "-", // non-breaking hyphen
	"‒", "-", // figure dash
	"–", "-", // en dash
	"—", "-", // em dash
	"−", "-", // minus sign
)

// doubledMorphemes are name fragments where upstream systems disagree on
// consonant doubling (Кирилл/Кирил, Анна/Ана, Жанна/Жана). Collapsing them
// keeps both spellings on the same match key.
var doubledMorphemes = []struct {
	doubled   string
	collapsed string
}{
	{"лл", "л"},
	{"нн", "н"},
	{"мм", "м"},
	{"пп", "п"},
	{"тт", "т"},
	{"фф", "ф"},
}

// NormalizeName produces the canonical comparable form of a person's name:
// collapsed whitespace, title case, е/ё unified, initials without trailing
// periods, unified hyphens, doubled consonants collapsed. Deterministic and
// idempotent; empty input yields empty output.
func NormalizeName(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	s = hyphenVariants.Replace(s)
	s = strings.ReplaceAll(s, "ё", "е")
	s = strings.ReplaceAll(s, "Ё", "Е")

	words := strings.Fields(s)
	for i, word := range words {
		words[i] = normalizeNameWord(word)
	}
	return strings.Join(words, " ")
}

func normalizeNameWord(word string) string {
	// Hyphenated compound names are normalized part by part.
	if strings.Contains(word, "-") {
		parts := strings.Split(word, "-")
		kept := parts[:0]
		for _, part := range parts {
			if part == "" {
				continue
			}
			kept = append(kept, normalizeNameWord(part))
		}
		return strings.Join(kept, "-")
	}

	word = strings.ToLower(word)
	for _, m := range doubledMorphemes {
		// Runs longer than two ("Аннна") must land on the single form in
		// one pass, so collapse until no pair remains.
		for strings.Contains(word, m.doubled) {
			word = strings.ReplaceAll(word, m.doubled, m.collapsed)
		}
	}

	// "и." / "i." style initials lose the trailing period.
	if len([]rune(word)) == 2 && strings.HasSuffix(word, ".") {
		word = strings.TrimSuffix(word, ".")
	}

	return titleWord(word)
}

func titleWord(word string) string {
	runes := []rune(word)
	if len(runes) == 0 {
		return ""
	}
	runes[0] = unicode.ToUpper(runes[0])
	for i := 1; i < len(runes); i++ {
		runes[i] = unicode.ToLower(runes[i])
	}
	return string(runes)
}

// NormalizePhone canonicalizes a phone number to 11 digits with the country
// code first: "8 (999) 123-45-67" and "+7 999 123 45 67" both become
// "79991234567". Eleven-digit numbers must start with 7 or 8; anything else
// that cannot reach 11 digits comes back empty.
func NormalizePhone(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	s := digits.String()

	switch len(s) {
	case 11:
		switch s[0] {
		case '8':
			return "7" + s[1:]
		case '7':
			return s
		default:
			return ""
		}
	case 10:
		return "7" + s
	default:
		return ""
	}
}

// NormalizeEmail lowercases and trims.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// NormalizeSnils keeps only digits and accepts exactly 11 of them; anything
// else is treated as absent.
func NormalizeSnils(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	s := digits.String()
	if len(s) != 11 {
		return ""
	}
	return s
}
