package optimizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
)

// loadState reads the JSON array of Issues at path, grounded on spec.md
// §6's "optimizer state file: JSON array of Issue dictionaries". A missing
// file is not an error — the optimizer starts from an empty backlog on its
// first run against a tenant.
func loadState(path string) ([]model.Issue, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []model.Issue{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("optimizer: read state file: %w", err)
	}
	if len(data) == 0 {
		return []model.Issue{}, nil
	}
	var issues []model.Issue
	if err := json.Unmarshal(data, &issues); err != nil {
		return nil, fmt.Errorf("optimizer: parse state file: %w", err)
	}
	return issues, nil
}

// saveState writes issues to path as a JSON array, called after every
// batch so a crash mid-run loses at most the in-flight batch rather than
// the whole backlog (spec.md §4.H point 4's "state is checkpointed ...
// after every batch").
func saveState(path string, issues []model.Issue) error {
	data, err := json.MarshalIndent(issues, "", "  ")
	if err != nil {
		return fmt.Errorf("optimizer: marshal state: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("optimizer: create state dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("optimizer: write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("optimizer: commit state file: %w", err)
	}
	return nil
}

// upsertIssue inserts issue into issues keyed by IssueKey — the dedup rule
// spec.md §3/§8 requires ("IssueKey collisions are impossible within the
// optimizer state"). Re-detecting a known key refreshes the reasoning and
// snapshot but keeps the accumulated critic evaluations, validation score,
// and resolution flag: an already-resolved issue re-surfaced by detection
// must not re-enter the processing queue.
func upsertIssue(issues []model.Issue, issue model.Issue) []model.Issue {
	key := issue.Key()
	for i := range issues {
		if issues[i].Key() == key {
			issue.CriticEvaluations = issues[i].CriticEvaluations
			issue.ValidationScore = issues[i].ValidationScore
			issue.IsResolved = issues[i].IsResolved
			issues[i] = issue
			return issues
		}
	}
	return append(issues, issue)
}

// indexByKey builds a key->index lookup over issues, used by the detection
// and critic stages to test membership without an O(n^2) scan per item.
func indexByKey(issues []model.Issue) map[string]int {
	idx := make(map[string]int, len(issues))
	for i, is := range issues {
		idx[is.Key()] = i
	}
	return idx
}
