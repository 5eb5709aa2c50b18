package store

import (
	"context"
	"fmt"
	"time"

	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
)

// ScheduleBuild inserts (or refreshes) a pending GraphBuildStatus row for
// one source within a topic. externalDatabaseURI is "" for local-mode
// builds. Re-scheduling an already-pending/processing row is a no-op on
// its status so an in-flight build is not silently reset.
func (s *Store) ScheduleBuild(ctx context.Context, topicName, sourceID, externalDatabaseURI string) error {
	const q = `
		INSERT INTO graph_build_status (topic_name, source_id, external_database_uri, status, scheduled_at, updated_at)
		VALUES ($1, $2, $3, 'pending', now(), now())
		ON CONFLICT (topic_name, source_id, external_database_uri) DO UPDATE SET
		    status       = CASE WHEN graph_build_status.status IN ('pending', 'processing')
		                        THEN graph_build_status.status ELSE 'pending' END,
		    scheduled_at = CASE WHEN graph_build_status.status IN ('pending', 'processing')
		                        THEN graph_build_status.scheduled_at ELSE now() END,
		    updated_at   = now(),
		    error_message = ''`
	if _, err := s.pool.Exec(ctx, q, topicName, sourceID, externalDatabaseURI); err != nil {
		return fmt.Errorf("store: schedule build: %w", err)
	}
	return nil
}

// EarliestPendingTask returns the single oldest pending-or-processing
// GraphBuildStatus row across all topics and tenants, or (nil, nil) when
// the queue is empty. This is the scheduler's top-level poll query.
func (s *Store) EarliestPendingTask(ctx context.Context) (*model.GraphBuildStatus, error) {
	const q = `
		SELECT topic_name, source_id, external_database_uri, status, scheduled_at, updated_at, error_message
		FROM   graph_build_status
		WHERE  status IN ('pending', 'processing')
		ORDER  BY scheduled_at ASC
		LIMIT  1`
	st, err := scanBuildStatus(s.pool.QueryRow(ctx, q))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: earliest pending task: %w", err)
	}
	return st, nil
}

// PendingTasksForTopic returns every pending-or-processing row for the
// given (topicName, externalDatabaseURI) pair, ordered by scheduled_at —
// the batch the scheduler groups into a single build run.
func (s *Store) PendingTasksForTopic(ctx context.Context, topicName, externalDatabaseURI string) ([]model.GraphBuildStatus, error) {
	const q = `
		SELECT topic_name, source_id, external_database_uri, status, scheduled_at, updated_at, error_message
		FROM   graph_build_status
		WHERE  status IN ('pending', 'processing')
		  AND  topic_name = $1
		  AND  external_database_uri = $2
		ORDER  BY scheduled_at ASC`
	rows, err := s.pool.Query(ctx, q, topicName, externalDatabaseURI)
	if err != nil {
		return nil, fmt.Errorf("store: pending tasks for topic: %w", err)
	}
	defer rows.Close()

	var out []model.GraphBuildStatus
	for rows.Next() {
		st, err := scanBuildStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("store: pending tasks for topic: scan: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// UpdateTaskStatus bulk-updates status (and, when non-empty, error_message)
// for every (topicName, sourceID in sourceIDs, externalDatabaseURI) row.
// It is the local-database half of what the original's _update_task_status
// and _update_final_status both do; the scheduler calls it once against
// the local store and, for tenant builds, once more against the tenant
// store with externalDatabaseURI="" (tenant rows always carry the empty
// URI, mirroring the daemon's own local-vs-external split).
func (s *Store) UpdateTaskStatus(ctx context.Context, topicName string, sourceIDs []string, externalDatabaseURI string, status model.BuildStatus, errorMessage string) error {
	const q = `
		UPDATE graph_build_status
		SET    status        = $4,
		       updated_at    = now(),
		       error_message = CASE WHEN $5 = '' THEN error_message ELSE $5 END
		WHERE  topic_name = $1
		  AND  source_id = ANY($2::text[])
		  AND  external_database_uri = $3`
	if _, err := s.pool.Exec(ctx, q, topicName, sourceIDs, externalDatabaseURI, string(status), errorMessage); err != nil {
		return fmt.Errorf("store: update task status: %w", err)
	}
	return nil
}

// DaemonStatus tallies GraphBuildStatus rows per state, mirroring
// get_daemon_status.
type DaemonStatus struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// Total returns the sum of all counted tasks.
func (d DaemonStatus) Total() int { return d.Pending + d.Processing + d.Completed + d.Failed }

// CountBuildStatuses tallies rows by status for the daemon status report.
func (s *Store) CountBuildStatuses(ctx context.Context) (DaemonStatus, error) {
	const q = `
		SELECT status, count(*)
		FROM   graph_build_status
		GROUP  BY status`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return DaemonStatus{}, fmt.Errorf("store: count build statuses: %w", err)
	}
	defer rows.Close()

	var d DaemonStatus
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return DaemonStatus{}, err
		}
		switch model.BuildStatus(status) {
		case model.BuildPending:
			d.Pending = n
		case model.BuildProcessing:
			d.Processing = n
		case model.BuildCompleted:
			d.Completed = n
		case model.BuildFailed:
			d.Failed = n
		}
	}
	return d, rows.Err()
}

// TopicCount is one row of the knowledge/topics listing: per-status tallies
// for a single (topic_name, external_database_uri) pair.
type TopicCount struct {
	TopicName    string    `json:"topic_name"`
	Pending      int       `json:"pending"`
	Processing   int       `json:"processing"`
	Completed    int       `json:"completed"`
	Failed       int       `json:"failed"`
	LatestUpdate time.Time `json:"latest_update"`
}

// TopicCounts groups every GraphBuildStatus row in this store by topic,
// scoped to externalDatabaseURI, for the GET /api/v1/knowledge/topics
// endpoint.
func (s *Store) TopicCounts(ctx context.Context, externalDatabaseURI string) ([]TopicCount, error) {
	const q = `
		SELECT topic_name, status, count(*), max(updated_at)
		FROM   graph_build_status
		WHERE  external_database_uri = $1
		GROUP  BY topic_name, status`
	rows, err := s.pool.Query(ctx, q, externalDatabaseURI)
	if err != nil {
		return nil, fmt.Errorf("store: topic counts: %w", err)
	}
	defer rows.Close()

	byTopic := make(map[string]*TopicCount)
	var order []string
	for rows.Next() {
		var (
			topic, status string
			n             int
			updated       time.Time
		)
		if err := rows.Scan(&topic, &status, &n, &updated); err != nil {
			return nil, fmt.Errorf("store: topic counts: scan: %w", err)
		}
		tc, ok := byTopic[topic]
		if !ok {
			tc = &TopicCount{TopicName: topic}
			byTopic[topic] = tc
			order = append(order, topic)
		}
		switch model.BuildStatus(status) {
		case model.BuildPending:
			tc.Pending = n
		case model.BuildProcessing:
			tc.Processing = n
		case model.BuildCompleted:
			tc.Completed = n
		case model.BuildFailed:
			tc.Failed = n
		}
		if updated.After(tc.LatestUpdate) {
			tc.LatestUpdate = updated
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]TopicCount, 0, len(order))
	for _, topic := range order {
		out = append(out, *byTopic[topic])
	}
	return out, nil
}

func scanBuildStatus(row rowScanner) (*model.GraphBuildStatus, error) {
	var (
		st     model.GraphBuildStatus
		status string
	)
	if err := row.Scan(&st.TopicName, &st.SourceID, &st.ExternalDatabaseURI, &status, &st.ScheduledAt, &st.UpdatedAt, &st.ErrorMessage); err != nil {
		return nil, err
	}
	st.Status = model.BuildStatus(status)
	return &st, nil
}
