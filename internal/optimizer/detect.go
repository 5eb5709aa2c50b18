package optimizer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IANTHEREAL/narrative-knowledge/internal/jsonutil"
	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
)

// detectionCandidate is one raw entry the detection LLM call returns.
type detectionCandidate struct {
	IssueType   string   `json:"issue_type"`
	AffectedIDs []string `json:"affected_ids"`
	Reasoning   string   `json:"reasoning"`
}

// detectionGateOpen implements spec.md §4.H point 2's gating rule: "new
// detection runs only when every existing issue has at least one critic
// evaluation AND no unresolved high-confidence issues remain." The second
// clause reads as "every issue that has cleared the confidence threshold
// has already been processed" — an unresolved issue sitting above
// threshold means the processing stage still has work to do, so another
// detection pass would only grow a backlog nothing is draining.
func (o *Optimizer) detectionGateOpen(issues []model.Issue) bool {
	for _, is := range issues {
		if len(is.CriticEvaluations) == 0 {
			return false
		}
		if !is.IsResolved && is.ValidationScore >= o.Config.ConfidenceThreshold {
			return false
		}
	}
	return true
}

// detect runs spec.md §4.H point 2: a single LLM call over the
// JSON-serialized subgraph, returning one of the four issue types per
// flagged item. Each issue's SourceGraph snapshot is trimmed to just the
// entities/relationships naming its own affected ids, so the state file
// doesn't balloon with the whole retrieved subgraph per issue.
func (o *Optimizer) detect(ctx context.Context, graph RetrievedGraph) ([]model.Issue, error) {
	payload, err := json.MarshalIndent(struct {
		Entities      []model.Entity       `json:"entities"`
		Relationships []model.Relationship `json:"relationships"`
	}{graph.Entities, graph.Relationships}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("optimizer: marshal retrieval graph: %w", err)
	}

	prompt := fmt.Sprintf(`You are a knowledge graph quality expert. Examine the graph data below and
report every quality issue you find. Each issue must be one of exactly
these four types:

- "entity_quality_issue": a single entity's description or attributes are
  contradictory, meaningless, or too ambiguous to identify what it refers to.
- "redundancy_entity": two or more entities represent the same real-world
  thing and should be merged.
- "relationship_quality_issue": a single relationship's description is
  contradictory or so vague its meaning cannot be understood.
- "redundancy_relationship": two or more relationships connect the same
  source/target pair with the same semantic meaning and should be merged.

Do not flag an entity or relationship merely for lacking detail; only
flag fundamental flaws as described above.

Graph data:
%s

Respond with a single fenced `+"```json"+` array, one object per issue:
[{"issue_type": "...", "affected_ids": ["..."], "reasoning": "..."}]
Return an empty array if the graph has no issues.`, string(payload))

	resp, err := o.generate(ctx, prompt, 4096, "optimizer_detect")
	if err != nil {
		return nil, err
	}

	var raw []detectionCandidate
	if err := jsonutil.ExtractWithRepair(ctx, o.LLM, resp, &raw); err != nil {
		return nil, fmt.Errorf("optimizer: parse detection response: %w", err)
	}

	byID := make(map[string]model.Entity, len(graph.Entities))
	for _, e := range graph.Entities {
		byID[e.ID] = e
	}
	relByID := make(map[string]model.Relationship, len(graph.Relationships))
	for _, r := range graph.Relationships {
		relByID[r.ID] = r
	}

	issues := make([]model.Issue, 0, len(raw))
	for _, c := range raw {
		if len(c.AffectedIDs) == 0 {
			continue
		}
		if _, known := issueGuidelines[model.IssueType(c.IssueType)]; !known {
			// An invented type has no critic guideline and no resolver;
			// carrying it would wedge the critic stage.
			continue
		}
		issues = append(issues, model.Issue{
			IssueType:         model.IssueType(c.IssueType),
			AffectedIDs:       c.AffectedIDs,
			Reasoning:         c.Reasoning,
			SourceGraph:       snapshotFor(c.AffectedIDs, byID, relByID),
			CriticEvaluations: map[string]model.CriticEvaluation{},
		})
	}
	return issues, nil
}

// snapshotFor builds an Issue.SourceGraph trimmed to the elements named by
// affectedIDs, checking both the entity and relationship maps since the
// same id space is shared across issue types.
func snapshotFor(affectedIDs []string, entities map[string]model.Entity, rels map[string]model.Relationship) map[string]any {
	var es []model.Entity
	var rs []model.Relationship
	for _, id := range affectedIDs {
		if e, ok := entities[id]; ok {
			es = append(es, e)
		}
		if r, ok := rels[id]; ok {
			rs = append(rs, r)
		}
	}
	return map[string]any{"entities": es, "relationships": rs}
}
