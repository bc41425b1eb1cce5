// Package tokens extracts structured control commands from AI responder free
// text.
//
// The AI is an unreliable producer: token syntax may be mangled, lists may
// carry junk entries, and commands can appear anywhere in the prose. The
// parser is tolerant by contract — it never fails an entire response, it
// drops only what cannot be salvaged, and it reports recoverable problems as
// warnings rather than errors.
package tokens

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/CedarLaneLabs/ChatterMill/internal/models"
)

// Result carries the outcome of scanning one AI response.
type Result struct {
	// Tokens are the recognized commands in order of appearance.
	Tokens []models.ControlToken
	// CleanText is the response with recognized tokens removed; this is the
	// part shown to the contact.
	CleanText string
	// Warnings describe recoverable parse problems (dropped entries or
	// dropped tokens). They are logged, never surfaced to the contact.
	Warnings []string
}

// listTokenNames are the recognized commands that carry an integer id list.
var listTokenNames = map[string]models.ControlTokenKind{
	"PRODUCT_IDS":  models.TokenProductIDs,
	"ADD_TO_CART":  models.TokenAddToCart,
	"GENERATE_PDF": models.TokenGeneratePDF,
}

// tokenPattern matches either a named list token (`NAME: [1, 2, 3]`) or a
// bare bracket marker (`[HUMAN_HANDOVER]`). Unknown names still match so the
// scanner can decide to leave them as plain text.
var tokenPattern = regexp.MustCompile(`([A-Z][A-Z0-9_]*)\s*:\s*\[([^\[\]]*)\]|\[\s*(HUMAN_HANDOVER|END_CONVERSATION)\s*\]`)

// Parse scans raw AI output for control tokens. It never returns an error:
// malformed input degrades to fewer tokens plus warnings.
func Parse(raw string) Result {
	var res Result
	matches := tokenPattern.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		res.CleanText = tidy(raw)
		return res
	}

	var clean strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]

		// Bare marker form.
		if m[6] >= 0 {
			marker := raw[m[6]:m[7]]
			kind := models.TokenHumanHandover
			if marker == "END_CONVERSATION" {
				kind = models.TokenEndConversation
			}
			res.Tokens = append(res.Tokens, models.ControlToken{Kind: kind})
			clean.WriteString(raw[last:start])
			last = end
			continue
		}

		name := raw[m[2]:m[3]]
		kind, recognized := listTokenNames[name]
		if !recognized {
			// Unknown token names are plain text, not an error.
			continue
		}

		body := raw[m[4]:m[5]]
		ids, warnings := parseIDList(name, body)
		res.Warnings = append(res.Warnings, warnings...)
		if len(ids) == 0 {
			// Entire body unparseable: drop this token, keep scanning.
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("%v: dropped token %s, no usable entries in [%s]", models.ErrMalformedControlToken, name, body))
			clean.WriteString(raw[last:start])
			last = end
			continue
		}

		res.Tokens = append(res.Tokens, models.ControlToken{Kind: kind, IDs: ids})
		clean.WriteString(raw[last:start])
		last = end
	}
	clean.WriteString(raw[last:])
	res.CleanText = tidy(clean.String())

	for _, w := range res.Warnings {
		slog.Warn("tokens.Parse: recoverable parse problem", "warning", w)
	}
	return res
}

// parseIDList splits a bracket body into integer ids. Empty entries are
// silently skipped; non-numeric entries are dropped individually with a
// warning so one bad entry never poisons the rest.
func parseIDList(name, body string) ([]int, []string) {
	var ids []int
	var warnings []string
	for _, part := range strings.Split(body, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			warnings = append(warnings,
				fmt.Sprintf("%v: dropped entry %q in token %s", models.ErrMalformedControlToken, part, name))
			continue
		}
		ids = append(ids, id)
	}
	return ids, warnings
}

// SortByPriority orders tokens by their fixed processing priority, keeping
// appearance order among tokens of equal priority. Downstream action
// processing depends on this ordering (cart before document generation,
// conversation-ending commands last).
func SortByPriority(toks []models.ControlToken) []models.ControlToken {
	out := make([]models.ControlToken, len(toks))
	copy(out, toks)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority() < out[j].Priority()
	})
	return out
}

// tidy collapses the whitespace gaps left behind by removed tokens.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
