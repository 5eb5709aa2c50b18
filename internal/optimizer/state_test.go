package optimizer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IANTHEREAL/narrative-knowledge/internal/config"
	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
)

func TestLoadState_MissingFileReturnsEmpty(t *testing.T) {
	issues, err := loadState(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestSaveState_LoadState_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	want := []model.Issue{
		{IssueType: model.IssueRedundancyEntity, AffectedIDs: []string{"e1", "e2"}, Reasoning: "near-duplicate names"},
		{IssueType: model.IssueEntityQuality, AffectedIDs: []string{"e3"}, ValidationScore: 1.8, IsResolved: true},
	}

	require.NoError(t, saveState(path, want))
	got, err := loadState(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, want[0].Key(), got[0].Key())
	assert.Equal(t, want[1].ValidationScore, got[1].ValidationScore)
	assert.True(t, got[1].IsResolved)
}

func TestSaveState_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.json")
	require.NoError(t, saveState(path, []model.Issue{{IssueType: model.IssueRelationshipQuality, AffectedIDs: []string{"r1"}}}))

	got, err := loadState(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

// IssueKey collisions are impossible within the optimizer state (spec.md
// §8 property 7): two issues naming the same affected ids in a different
// order must collide on the same key regardless of insertion order.
func TestUpsertIssue_SameKeyDifferentOrderCollides(t *testing.T) {
	issues := []model.Issue{
		{IssueType: model.IssueRedundancyRelationship, AffectedIDs: []string{"r1", "r2"}, Reasoning: "first pass"},
	}
	replacement := model.Issue{IssueType: model.IssueRedundancyRelationship, AffectedIDs: []string{"r2", "r1"}, Reasoning: "second pass"}

	issues = upsertIssue(issues, replacement)

	require.Len(t, issues, 1)
	assert.Equal(t, "second pass", issues[0].Reasoning)
}

func TestUpsertIssue_PreservesEvaluationStateOnRedetection(t *testing.T) {
	issues := []model.Issue{{
		IssueType:         model.IssueRedundancyEntity,
		AffectedIDs:       []string{"e1", "e2"},
		Reasoning:         "original reasoning",
		CriticEvaluations: map[string]model.CriticEvaluation{"critic-a": {IsValid: true, Critique: "agreed"}},
		ValidationScore:   0.9,
		IsResolved:        true,
	}}
	redetected := model.Issue{
		IssueType:         model.IssueRedundancyEntity,
		AffectedIDs:       []string{"e2", "e1"},
		Reasoning:         "re-detected",
		CriticEvaluations: map[string]model.CriticEvaluation{},
	}

	issues = upsertIssue(issues, redetected)

	require.Len(t, issues, 1)
	assert.Equal(t, "re-detected", issues[0].Reasoning)
	assert.True(t, issues[0].IsResolved, "a resolved issue re-surfaced by detection stays resolved")
	assert.Equal(t, 0.9, issues[0].ValidationScore)
	assert.Len(t, issues[0].CriticEvaluations, 1)
}

func TestUpsertIssue_DistinctKeyAppends(t *testing.T) {
	issues := []model.Issue{
		{IssueType: model.IssueEntityQuality, AffectedIDs: []string{"e1"}},
	}
	issues = upsertIssue(issues, model.Issue{IssueType: model.IssueEntityQuality, AffectedIDs: []string{"e2"}})
	assert.Len(t, issues, 2)
}

func TestIndexByKey_MapsEveryIssue(t *testing.T) {
	issues := []model.Issue{
		{IssueType: model.IssueEntityQuality, AffectedIDs: []string{"e1"}},
		{IssueType: model.IssueRedundancyEntity, AffectedIDs: []string{"e2", "e3"}},
	}
	idx := indexByKey(issues)
	require.Len(t, idx, 2)
	assert.Equal(t, 0, idx[issues[0].Key()])
	assert.Equal(t, 1, idx[issues[1].Key()])
}

func TestDetectionGateOpen(t *testing.T) {
	o := &Optimizer{Config: config.OptimizerConfig{ConfidenceThreshold: 0.9}}

	assert.True(t, o.detectionGateOpen(nil), "empty backlog never blocks detection")

	uncriticized := []model.Issue{{IssueType: model.IssueEntityQuality, AffectedIDs: []string{"e1"}}}
	assert.False(t, o.detectionGateOpen(uncriticized), "an issue with no critic evaluations blocks detection")

	unresolvedHighConfidence := []model.Issue{{
		IssueType:         model.IssueEntityQuality,
		AffectedIDs:       []string{"e1"},
		CriticEvaluations: map[string]model.CriticEvaluation{"critic-a": {IsValid: true}},
		ValidationScore:   1.8,
		IsResolved:        false,
	}}
	assert.False(t, o.detectionGateOpen(unresolvedHighConfidence), "an unprocessed high-confidence issue blocks detection")

	resolved := []model.Issue{{
		IssueType:         model.IssueEntityQuality,
		AffectedIDs:       []string{"e1"},
		CriticEvaluations: map[string]model.CriticEvaluation{"critic-a": {IsValid: true}},
		ValidationScore:   1.8,
		IsResolved:        true,
	}}
	assert.True(t, o.detectionGateOpen(resolved), "a fully processed backlog reopens detection")

	belowThreshold := []model.Issue{{
		IssueType:         model.IssueEntityQuality,
		AffectedIDs:       []string{"e1"},
		CriticEvaluations: map[string]model.CriticEvaluation{"critic-a": {IsValid: false}},
		ValidationScore:   0.0,
		IsResolved:        false,
	}}
	assert.True(t, o.detectionGateOpen(belowThreshold), "a critiqued but low-confidence issue doesn't block detection")
}
