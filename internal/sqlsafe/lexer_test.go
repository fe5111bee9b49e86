package sqlsafe

import (
	"testing"
)

func TestLexBasicTokens(t *testing.T) {
	tokens, err := lex("SELECT id, 42 FROM patients")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []struct {
		kind tokenKind
		text string
	}{
		{tokenIdent, "SELECT"},
		{tokenIdent, "id"},
		{tokenSymbol, ","},
		{tokenNumber, "42"},
		{tokenIdent, "FROM"},
		{tokenIdent, "patients"},
	}
	if len(tokens) != len(want) {
		t.Fatalf("got %d tokens, want %d", len(tokens), len(want))
	}
	for i, w := range want {
		if tokens[i].kind != w.kind || tokens[i].text != w.text {
			t.Errorf("token %d = {%d %q}, want {%d %q}", i, tokens[i].kind, tokens[i].text, w.kind, w.text)
		}
	}
}

func TestLexStringsAreSingleTokens(t *testing.T) {
	tokens, err := lex("SELECT 'it''s a delete' FROM x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var strTokens int
	for _, tok := range tokens {
		if tok.kind == tokenString {
			strTokens++
			if tok.text != "'it''s a delete'" {
				t.Errorf("string token = %q", tok.text)
			}
		}
		if tok.lower == "delete" {
			t.Error("keyword inside string literal leaked as identifier")
		}
	}
	if strTokens != 1 {
		t.Errorf("got %d string tokens, want 1", strTokens)
	}
}

func TestLexDollarQuoting(t *testing.T) {
	tokens, err := lex("SELECT $tag$drop table$tag$")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tokens) != 2 || tokens[1].kind != tokenString {
		t.Fatalf("expected ident + dollar string, got %v", tokens)
	}

	tokens, err = lex("SELECT id FROM t WHERE id = $1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := tokens[len(tokens)-2]
	if last.kind != tokenSymbol || last.text != "$" {
		t.Errorf("bare dollar should lex as a symbol, got {%d %q}", last.kind, last.text)
	}
}

func TestLexQuotedIdentifier(t *testing.T) {
	tokens, err := lex(`SELECT "Gender" FROM patients`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tokens[1].kind != tokenIdent || tokens[1].lower != "gender" {
		t.Errorf("quoted identifier = {%d %q %q}", tokens[1].kind, tokens[1].text, tokens[1].lower)
	}
}

func TestLexCommentsSkipped(t *testing.T) {
	tokens, err := lex("SELECT id -- trailing\nFROM /* block */ patients")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tokens) != 4 {
		t.Fatalf("got %d tokens, want 4: %v", len(tokens), tokens)
	}
}

func TestLexUnterminatedConstructs(t *testing.T) {
	for _, input := range []string{
		"SELECT 'open",
		`SELECT "open`,
		"SELECT /* open",
		"SELECT $$open",
	} {
		if _, err := lex(input); err == nil {
			t.Errorf("expected error for %q", input)
		}
	}
}

func TestLexOffsetsIndexOriginalText(t *testing.T) {
	input := "SELECT id FROM t LIMIT 500"
	tokens, err := lex(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := tokens[len(tokens)-1]
	if input[last.pos:last.end] != "500" {
		t.Errorf("offsets [%d:%d] yield %q, want \"500\"", last.pos, last.end, input[last.pos:last.end])
	}
}
