package preprocess

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	prose "github.com/jdkato/prose/v2"
)

var (
	ErrEmptyInput     = errors.New("query text is empty")
	ErrOversizedInput = errors.New("query text exceeds maximum length")
)

// abbreviations maps common clinical shorthand to the vocabulary the
// model was trained on. Matching is per token, never substring, so
// "diagnosis" is not mangled by the "dx" rule.
var abbreviations = map[string]string{
	"dx":    "diagnosis",
	"hx":    "history",
	"tx":    "treatment",
	"rx":    "prescription",
	"sx":    "symptoms",
	"fx":    "fracture",
	"htn":   "hypertension",
	"dm":    "diabetes",
	"mi":    "myocardial infarction",
	"chf":   "congestive heart failure",
	"copd":  "chronic obstructive pulmonary disease",
	"cad":   "coronary artery disease",
	"ckd":   "chronic kidney disease",
	"uti":   "urinary tract infection",
	"afib":  "atrial fibrillation",
	"bp":    "blood pressure",
	"hr":    "heart rate",
	"bmi":   "body mass index",
	"pt":    "patient",
	"pts":   "patients",
	"meds":  "medications",
	"med":   "medication",
	"appt":  "appointment",
	"appts": "appointments",
	"er":    "emergency room",
	"icu":   "intensive care unit",
	"yo":    "years old",
}

// Preprocessor normalizes raw question text before it reaches the cache
// or the model. It holds no state and never touches storage.
type Preprocessor struct {
	maxLength int
}

func New(maxLength int) *Preprocessor {
	if maxLength <= 0 {
		maxLength = 500
	}
	return &Preprocessor{maxLength: maxLength}
}

// Normalize lowercases, collapses whitespace, expands clinical
// abbreviations, and strips punctuation-only tokens. The output is
// deterministic for a given input, which the cache fingerprint relies on.
func (p *Preprocessor) Normalize(raw string) (string, error) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(raw, "\x00", ""))
	if cleaned == "" {
		return "", ErrEmptyInput
	}
	if len(cleaned) > p.maxLength {
		return "", fmt.Errorf("%w: %d > %d characters", ErrOversizedInput, len(cleaned), p.maxLength)
	}

	doc, err := prose.NewDocument(
		strings.ToLower(cleaned),
		prose.WithExtraction(false),
		prose.WithTagging(false),
		prose.WithSegmentation(false),
	)
	if err != nil {
		return "", fmt.Errorf("failed to tokenize query text: %w", err)
	}

	var words []string
	for _, tok := range doc.Tokens() {
		text := tok.Text
		if isPunctuation(text) {
			continue
		}
		if expansion, ok := abbreviations[text]; ok {
			text = expansion
		}
		words = append(words, text)
	}

	if len(words) == 0 {
		return "", ErrEmptyInput
	}

	return strings.Join(words, " "), nil
}

func isPunctuation(s string) bool {
	for _, r := range s {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) {
			return false
		}
	}
	return len(s) > 0
}
