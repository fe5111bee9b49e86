package preprocess

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeExpandsAbbreviations(t *testing.T) {
	p := New(500)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			"single abbreviation",
			"How many pts have diabetes?",
			"how many patients have diabetes",
		},
		{
			"multi-word expansion",
			"pts with MI",
			"patients with myocardial infarction",
		},
		{
			"abbreviation inside word untouched",
			"show the diagnosis field",
			"show the diagnosis field",
		},
		{
			"multiple abbreviations",
			"pts with htn on meds",
			"patients with hypertension on medications",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Normalize(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeCollapsesWhitespace(t *testing.T) {
	p := New(500)
	got, err := p.Normalize("  list\t all \n patients  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "list all patients" {
		t.Errorf("got %q", got)
	}
}

func TestNormalizeEmptyInput(t *testing.T) {
	p := New(500)
	for _, input := range []string{"", "   ", "\x00", "???"} {
		if _, err := p.Normalize(input); !errors.Is(err, ErrEmptyInput) {
			t.Errorf("Normalize(%q) error = %v, want ErrEmptyInput", input, err)
		}
	}
}

func TestNormalizeOversizedInput(t *testing.T) {
	p := New(500)
	_, err := p.Normalize(strings.Repeat("a", 501))
	if !errors.Is(err, ErrOversizedInput) {
		t.Errorf("error = %v, want ErrOversizedInput", err)
	}

	if _, err := p.Normalize(strings.Repeat("a", 500)); err != nil {
		t.Errorf("input at the bound must pass, got %v", err)
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	p := New(500)
	input := "Which pts with CHF visited the ER this year?"

	first, err := p.Normalize(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := p.Normalize(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Errorf("normalization not deterministic: %q vs %q", first, second)
	}
	if strings.Contains(first, "?") {
		t.Errorf("punctuation survived normalization: %q", first)
	}
}
