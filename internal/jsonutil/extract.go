// Package jsonutil extracts and repairs JSON payloads embedded in LLM
// responses. Every LLM-facing stage in narrative-knowledge exchanges JSON
// wrapped in a fenced ```json code block; this package is the single place
// that pulls it out and tolerates the control-character noise some models
// emit.
package jsonutil

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/IANTHEREAL/narrative-knowledge/internal/ierrors"
)

// fencedJSON matches the first ```json ... ``` block in a response. Falls
// back to a bare ``` fence since some models omit the language tag.
var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// Extract pulls the first fenced JSON block out of an LLM response and
// unmarshals it into out (a pointer). If no fenced block is present, the
// whole trimmed response is tried as a last resort.
func Extract(response string, out any) error {
	candidate := firstFencedBlock(response)
	if candidate == "" {
		candidate = strings.TrimSpace(response)
	}
	candidate = stripControlChars(candidate)
	if candidate == "" {
		return ierrors.ErrJSONExtraction
	}
	if err := json.Unmarshal([]byte(candidate), out); err != nil {
		return fmt.Errorf("jsonutil: unmarshal: %w: %w", err, ierrors.ErrJSONExtraction)
	}
	return nil
}

// Repairer is the single method jsonutil needs from an LLM provider to
// attempt a second-chance repair of a malformed response. It is satisfied
// by llm.Provider.Generate.
type Repairer interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// ExtractWithRepair behaves like Extract, but on a first failure asks llm to
// fix the invalid response once before giving up, per spec.md §6/§9's
// "repair pass via the LLM itself" rule.
func ExtractWithRepair(ctx context.Context, llmClient Repairer, response string, out any) error {
	firstErr := Extract(response, out)
	if firstErr == nil {
		return nil
	}
	if llmClient == nil {
		return firstErr
	}

	repairPrompt := fmt.Sprintf(
		"The following text was supposed to contain a single valid JSON object or array, "+
			"but it failed to parse with error: %v\n\n"+
			"Return ONLY the corrected JSON, with no commentary and no markdown fences.\n\n"+
			"Text:\n%s", firstErr, response)

	repaired, err := llmClient.Generate(ctx, repairPrompt, 4096)
	if err != nil {
		return fmt.Errorf("jsonutil: repair call: %w", firstErr)
	}
	if err := Extract(repaired, out); err != nil {
		return fmt.Errorf("jsonutil: repair attempt also failed: %w", ierrors.ErrJSONExtraction)
	}
	return nil
}

func firstFencedBlock(s string) string {
	m := fencedJSON.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// stripControlChars drops bytes the standard JSON decoder rejects outright,
// keeping \r and \t, matching the original Python implementation's
// `ord(char) >= 32 or char in "\r\t"` filter.
func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 || r == '\r' || r == '\t' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
