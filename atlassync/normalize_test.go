package atlassync

import "testing"

func TestNormalizeName_SpellingVariants(t *testing.T) {
	cases := []struct {
		in       string
		expected string
	}{
		{"Иванов Иван Иванович", "Иванов Иван Иванович"},
		{"ИВАНОВ  ИВАН", "Иванов Иван"},
		{"Алёна Семёнова", "Алена Семенова"},
		{"Анна—Мария", "Ана-Мария"},
		{"Анна–Мария", "Ана-Мария"},
		{"Кирилл", "Кирил"},
		{"Аннна", "Ана"},
		{"Жаннна Кирилллова", "Жана Кирилова"},
		{"Иванов И. И.", "Иванов И И"},
		{"  Петров   Пётр  ", "Петров Петр"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeName(tc.in); got != tc.expected {
			t.Fatalf("NormalizeName(%q) expected %q, got %q", tc.in, tc.expected, got)
		}
	}
}

func TestNormalizeName_Idempotent(t *testing.T) {
	inputs := []string{
		"Иванов Иван Иванович",
		"АЛЛА ГЕННАДЬЕВНА",
		"Анна—Мария Кузнецова-Петрова",
		"Аннна Кирилллова",
		"John Smith",
	}
	for _, in := range inputs {
		once := NormalizeName(in)
		twice := NormalizeName(once)
		if once != twice {
			t.Fatalf("NormalizeName not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in       string
		expected string
	}{
		{"89991234567", "79991234567"},
		{"+7 (999) 123-45-67", "79991234567"},
		{"9991234567", "79991234567"},
		{"79991234567", "79991234567"},
		{"8 999 123 45 67", "79991234567"},
		{"12345", ""},
		{"19991234567", ""},
		{"", ""},
		{"not a phone", ""},
	}
	for _, tc := range cases {
		if got := NormalizePhone(tc.in); got != tc.expected {
			t.Fatalf("NormalizePhone(%q) expected %q, got %q", tc.in, tc.expected, got)
		}
	}
}

func TestNormalizePhone_VariantsConverge(t *testing.T) {
	variants := []string{"89991234567", "+79991234567", "8 (999) 123-45-67", "9991234567"}
	for _, v := range variants {
		if got := NormalizePhone(v); got != "79991234567" {
			t.Fatalf("NormalizePhone(%q) expected 79991234567, got %q", v, got)
		}
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Ivanov@Example.COM "); got != "ivanov@example.com" {
		t.Fatalf("expected ivanov@example.com, got %q", got)
	}
	if got := NormalizeEmail(""); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestNormalizeSnils(t *testing.T) {
	cases := []struct {
		in       string
		expected string
	}{
		{"112-233-445 95", "11223344595"},
		{"11223344595", "11223344595"},
		{"123", ""},
		{"112-233-445 950", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeSnils(tc.in); got != tc.expected {
			t.Fatalf("NormalizeSnils(%q) expected %q, got %q", tc.in, tc.expected, got)
		}
	}
}
