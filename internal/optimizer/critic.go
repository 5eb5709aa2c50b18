package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IANTHEREAL/narrative-knowledge/internal/jsonutil"
	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
)

// issueGuidelines mirrors original_source/opt/evaluator.py's per-type
// critic guideline blocks, condensed to the distinguishing definition and
// exclusion each type needs a critic to apply correctly.
var issueGuidelines = map[model.IssueType]string{
	model.IssueRedundancyEntity: "Redundant entities: two or more entries represent the exact same " +
		"real-world thing. Do not flag entities at different levels of a hierarchy, or distinct but " +
		"related concepts, as redundant.",
	model.IssueRedundancyRelationship: "Redundant relationships: two or more entries connect the same " +
		"source and target with the same semantic meaning. Minor differences in wording that don't " +
		"change the core meaning are still redundant; relationships that differ in what they assert " +
		"(e.g. different time periods) are not.",
	model.IssueEntityQuality: "Entity quality issues: the entity's description or attributes are " +
		"internally contradictory, are so generic or placeholder-like they describe nothing, or are " +
		"ambiguous enough to plausibly refer to more than one real-world thing. Lacking extra detail " +
		"alone is not a quality issue.",
	model.IssueRelationshipQuality: "Relationship quality issues: the relationship's description is " +
		"internally contradictory, or is so vague that the nature of the connection cannot be " +
		"understood. Lacking extra detail alone is not a quality issue.",
}

// critique runs spec.md §4.H point 3: every issue missing an evaluation
// from a configured critic gets one, tallying validation_score += 0.9 per
// is_valid=true vote. Returns the number of critic calls actually made.
func (o *Optimizer) critique(ctx context.Context, issues []model.Issue) (int, error) {
	ran := 0
	for i := range issues {
		issue := &issues[i]
		if issue.CriticEvaluations == nil {
			issue.CriticEvaluations = map[string]model.CriticEvaluation{}
		}
		for name, critic := range o.Critics {
			if _, ok := issue.CriticEvaluations[name]; ok {
				continue
			}

			prompt, err := criticPrompt(*issue)
			if err != nil {
				return ran, err
			}

			resp, err := critic.Generate(ctx, prompt, 1024)
			if err != nil {
				slog.Warn("optimizer: critic generate failed", "critic", name, "issue_key", issue.Key(), "err", err)
				continue
			}
			ran++

			var verdict model.CriticEvaluation
			if err := jsonutil.ExtractWithRepair(ctx, critic, resp, &verdict); err != nil {
				slog.Warn("optimizer: critic response unparsable", "critic", name, "issue_key", issue.Key(), "err", err)
				continue
			}

			issue.CriticEvaluations[name] = verdict
			if verdict.IsValid {
				issue.ValidationScore += 0.9
			}
		}
	}
	return ran, nil
}

// criticPrompt builds the per-type critique prompt, grounded on
// original_source/opt/evaluator.py's issue_critic_prompt structure.
func criticPrompt(issue model.Issue) (string, error) {
	guideline, ok := issueGuidelines[issue.IssueType]
	if !ok {
		return "", fmt.Errorf("optimizer: unknown issue type %q", issue.IssueType)
	}

	graphJSON, err := json.MarshalIndent(issue.SourceGraph, "", "  ")
	if err != nil {
		return "", fmt.Errorf("optimizer: marshal issue source graph: %w", err)
	}

	return fmt.Sprintf(`You are a knowledge graph quality expert. Determine whether a reported
issue actually exists in the graph data below.

# Issue type guideline
%s

# Graph data
%s

# Reported issue
Type: %s
Affected ids: %v
Reasoning given: %s

is_valid=true means the affected ids really do have this problem.
is_valid=false means they do not — including when the reasoning given
already correctly explains why there is no problem.

Respond with a single fenced `+"```json"+` object:
{"is_valid": true/false, "critique": "your analysis, with specific references to the graph data"}`,
		guideline, string(graphJSON), issue.IssueType, issue.AffectedIDs, issue.Reasoning), nil
}
