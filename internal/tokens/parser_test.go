package tokens

import (
	"reflect"
	"strings"
	"testing"

	"github.com/CedarLaneLabs/ChatterMill/internal/models"
)

func TestParseMangledResponse(t *testing.T) {
	raw := "Here are two nice options. ADD_TO_CART: [101,,102] and a sheet GENERATE_PDF: [101,102] enjoy!"
	res := Parse(raw)

	if len(res.Tokens) != 2 {
		t.Fatalf("expected exactly 2 tokens, got %d: %+v", len(res.Tokens), res.Tokens)
	}
	if res.Tokens[0].Kind != models.TokenAddToCart || !reflect.DeepEqual(res.Tokens[0].IDs, []int{101, 102}) {
		t.Errorf("token 0 = %+v, want ADD_TO_CART [101 102]", res.Tokens[0])
	}
	if res.Tokens[1].Kind != models.TokenGeneratePDF || !reflect.DeepEqual(res.Tokens[1].IDs, []int{101, 102}) {
		t.Errorf("token 1 = %+v, want GENERATE_PDF [101 102]", res.Tokens[1])
	}
	if strings.Contains(res.CleanText, "ADD_TO_CART") || strings.Contains(res.CleanText, "GENERATE_PDF") {
		t.Errorf("clean text still contains token syntax: %q", res.CleanText)
	}
	if !strings.Contains(res.CleanText, "Here are two nice options.") {
		t.Errorf("clean text lost the prose: %q", res.CleanText)
	}
}

func TestParseBareMarkers(t *testing.T) {
	res := Parse("I'll get someone for you. [HUMAN_HANDOVER]")
	if len(res.Tokens) != 1 || res.Tokens[0].Kind != models.TokenHumanHandover {
		t.Fatalf("tokens = %+v, want single HUMAN_HANDOVER", res.Tokens)
	}
	if res.CleanText != "I'll get someone for you." {
		t.Errorf("clean text = %q", res.CleanText)
	}

	res = Parse("Glad I could help! [ END_CONVERSATION ]")
	if len(res.Tokens) != 1 || res.Tokens[0].Kind != models.TokenEndConversation {
		t.Fatalf("tokens = %+v, want single END_CONVERSATION", res.Tokens)
	}
}

func TestParseNonNumericEntriesDroppedWithWarning(t *testing.T) {
	res := Parse("PRODUCT_IDS: [7, banana, 9]")
	if len(res.Tokens) != 1 {
		t.Fatalf("tokens = %+v", res.Tokens)
	}
	if !reflect.DeepEqual(res.Tokens[0].IDs, []int{7, 9}) {
		t.Errorf("ids = %v, want [7 9]", res.Tokens[0].IDs)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a warning for the dropped entry")
	} else if !strings.Contains(res.Warnings[0], models.ErrMalformedControlToken.Error()) {
		t.Errorf("warning %q should carry the malformed-token classification", res.Warnings[0])
	}
}

func TestParseWhollyUnusableTokenDropped(t *testing.T) {
	res := Parse("try ADD_TO_CART: [nope, nah] sorry")
	if len(res.Tokens) != 0 {
		t.Fatalf("expected no tokens, got %+v", res.Tokens)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected warnings for the dropped token")
	} else if !strings.Contains(res.Warnings[0], models.ErrMalformedControlToken.Error()) {
		t.Errorf("warning %q should carry the malformed-token classification", res.Warnings[0])
	}
	if strings.Contains(res.CleanText, "ADD_TO_CART") {
		t.Errorf("dropped token should still be stripped from text: %q", res.CleanText)
	}
}

func TestParseUnknownTokenNameLeftAsText(t *testing.T) {
	res := Parse("SHIP_TO: [42] is not a thing we do")
	if len(res.Tokens) != 0 {
		t.Fatalf("expected no tokens, got %+v", res.Tokens)
	}
	if !strings.Contains(res.CleanText, "SHIP_TO: [42]") {
		t.Errorf("unknown token should remain as plain text: %q", res.CleanText)
	}
}

func TestParseNoTokens(t *testing.T) {
	res := Parse("Just a friendly message.\n\nWith two lines.")
	if len(res.Tokens) != 0 || len(res.Warnings) != 0 {
		t.Fatalf("unexpected tokens/warnings: %+v / %v", res.Tokens, res.Warnings)
	}
	if res.CleanText != "Just a friendly message.\nWith two lines." {
		t.Errorf("clean text = %q", res.CleanText)
	}
}

func TestSortByPriority(t *testing.T) {
	in := []models.ControlToken{
		{Kind: models.TokenEndConversation},
		{Kind: models.TokenGeneratePDF, IDs: []int{1}},
		{Kind: models.TokenAddToCart, IDs: []int{1}},
		{Kind: models.TokenAddToCart, IDs: []int{2}},
	}
	out := SortByPriority(in)

	wantKinds := []models.ControlTokenKind{
		models.TokenAddToCart, models.TokenAddToCart, models.TokenGeneratePDF, models.TokenEndConversation,
	}
	for i, kind := range wantKinds {
		if out[i].Kind != kind {
			t.Fatalf("position %d = %s, want %s", i, out[i].Kind, kind)
		}
	}
	// Stable: the two ADD_TO_CART tokens keep appearance order.
	if out[0].IDs[0] != 1 || out[1].IDs[0] != 2 {
		t.Error("equal-priority tokens must keep appearance order")
	}
	// Input untouched.
	if in[0].Kind != models.TokenEndConversation {
		t.Error("SortByPriority must not mutate its input")
	}
}
