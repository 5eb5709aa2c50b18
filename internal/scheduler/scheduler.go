// Package scheduler implements the Build Scheduler daemon (spec.md §4.G):
// a single background worker that polls a local metadata store for the
// earliest pending/processing GraphBuildStatus row, batches every row
// sharing its (topic_name, external_database_uri), and drives each batch
// through the narrative extraction pipeline in internal/graphbuilder.
// Grounded on original_source/knowledge_graph/graph_builder_daemon.py for
// the poll/select/flip/build/finalize sequence, and on the teacher's
// cmd/glyphoxa/main.go for the timer-plus-shutdown-channel daemon shape.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/IANTHEREAL/narrative-knowledge/internal/graphbuilder"
	"github.com/IANTHEREAL/narrative-knowledge/internal/model"
	"github.com/IANTHEREAL/narrative-knowledge/internal/observe"
	"github.com/IANTHEREAL/narrative-knowledge/internal/store"
)

// Daemon is the Build Scheduler. It owns no state beyond its collaborators;
// Run drives the poll loop until ctx is cancelled.
type Daemon struct {
	Local         *store.Store
	Registry      *store.Registry
	Builder       *graphbuilder.Builder
	CheckInterval time.Duration
	Metrics       *observe.Metrics
}

// New constructs a Daemon with the documented default check interval (60s)
// when checkInterval is zero.
func New(local *store.Store, registry *store.Registry, builder *graphbuilder.Builder, checkInterval time.Duration) *Daemon {
	if checkInterval <= 0 {
		checkInterval = 60 * time.Second
	}
	return &Daemon{
		Local:         local,
		Registry:      registry,
		Builder:       builder,
		CheckInterval: checkInterval,
		Metrics:       observe.DefaultMetrics(),
	}
}

// Run polls forever until ctx is cancelled, sleeping CheckInterval between
// polls. A poll error is logged and the loop continues — matching the
// original's "catch, log, keep running" main-loop behavior.
func (d *Daemon) Run(ctx context.Context) {
	slog.Info("scheduler: daemon started", "check_interval", d.CheckInterval)
	ticker := time.NewTicker(d.CheckInterval)
	defer ticker.Stop()

	for {
		if err := d.PollOnce(ctx); err != nil {
			slog.Error("scheduler: poll failed", "err", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("scheduler: daemon stopped")
			return
		case <-ticker.C:
		}
	}
}

// PollOnce executes at most one job: select the earliest pending task,
// batch its siblings, and drive them through Build. Returns nil when the
// queue was empty.
func (d *Daemon) PollOnce(ctx context.Context) error {
	earliest, err := d.Local.EarliestPendingTask(ctx)
	if err != nil {
		return err
	}
	if earliest == nil {
		return nil
	}

	tasks, err := d.Local.PendingTasksForTopic(ctx, earliest.TopicName, earliest.ExternalDatabaseURI)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	sourceIDs := make([]string, len(tasks))
	for i, t := range tasks {
		sourceIDs[i] = t.SourceID
	}

	if err := d.Local.UpdateTaskStatus(ctx, earliest.TopicName, sourceIDs, earliest.ExternalDatabaseURI, model.BuildProcessing, ""); err != nil {
		return err
	}

	if d.Metrics != nil {
		d.Metrics.GraphBuildActiveJobs.Add(ctx, 1)
		defer d.Metrics.GraphBuildActiveJobs.Add(ctx, -1)
	}

	d.processJob(ctx, earliest.TopicName, earliest.ExternalDatabaseURI, sourceIDs)
	return nil
}

// processJob resolves the tenant store, fetches source documents, and
// invokes the Graph Builder, finalizing status in both the local and
// (when external) tenant stores on every exit path.
func (d *Daemon) processJob(ctx context.Context, topic, externalURI string, sourceIDs []string) {
	started := time.Now()
	isLocal := d.Registry.IsLocal(externalURI)

	var tenantStore *store.Store
	if isLocal {
		tenantStore = d.Local
	} else {
		s, err := d.Registry.Get(ctx, externalURI)
		if err != nil {
			d.finalize(ctx, topic, externalURI, sourceIDs, isLocal, nil, "resolve tenant store: "+err.Error(), started)
			return
		}
		tenantStore = s
	}

	docs, err := d.loadDocuments(ctx, tenantStore, sourceIDs)
	if err != nil {
		d.finalize(ctx, topic, externalURI, sourceIDs, isLocal, tenantStore, "load sources: "+err.Error(), started)
		return
	}
	if len(docs) == 0 {
		d.finalize(ctx, topic, externalURI, sourceIDs, isLocal, tenantStore, "No valid sources found", started)
		return
	}

	result, err := d.Builder.Build(ctx, tenantStore, topic, docs, false)
	if err != nil {
		d.finalize(ctx, topic, externalURI, sourceIDs, isLocal, tenantStore, "graph build failed: "+err.Error(), started)
		return
	}

	slog.Info("scheduler: build completed", "topic", topic, "documents_processed", result.DocumentsProcessed,
		"documents_skipped", result.DocumentsSkipped, "entities_created", result.EntitiesCreated,
		"relationships_created", result.RelationshipsCreated)
	d.finalize(ctx, topic, externalURI, sourceIDs, isLocal, tenantStore, "", started)
}

// loadDocuments fetches SourceData rows for sourceIDs from tenantStore and
// drops any with empty content, per spec.md §4.G step 4.
func (d *Daemon) loadDocuments(ctx context.Context, tenantStore *store.Store, sourceIDs []string) ([]graphbuilder.Document, error) {
	docs := make([]graphbuilder.Document, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		sd, err := tenantStore.GetSource(ctx, id)
		if err != nil {
			slog.Warn("scheduler: source missing, skipping", "source_id", id, "err", err)
			continue
		}
		if sd.Content == "" {
			slog.Warn("scheduler: source has no content, skipping", "source_id", id, "name", sd.Name)
			continue
		}
		docs = append(docs, graphbuilder.Document{SourceID: sd.ID, Name: sd.Name, Content: sd.Content})
	}
	return docs, nil
}

// finalize marks sourceIDs completed (errMsg == "") or failed in the local
// store, and mirrors the same update into the tenant store when the job
// was external (tenant rows always carry external_database_uri=""),
// matching spec.md §4.G step 7's "both stores" requirement.
func (d *Daemon) finalize(ctx context.Context, topic, externalURI string, sourceIDs []string, isLocal bool, tenantStore *store.Store, errMsg string, started time.Time) {
	status := model.BuildCompleted
	if errMsg != "" {
		status = model.BuildFailed
		slog.Error("scheduler: job failed", "topic", topic, "external_database_uri", externalURI, "err", errMsg)
	}

	if err := d.Local.UpdateTaskStatus(ctx, topic, sourceIDs, externalURI, status, errMsg); err != nil {
		slog.Error("scheduler: failed to update local task status", "topic", topic, "err", err)
	}

	if !isLocal && tenantStore != nil {
		if err := tenantStore.UpdateTaskStatus(ctx, topic, sourceIDs, "", status, errMsg); err != nil {
			slog.Error("scheduler: failed to update tenant task status", "topic", topic, "err", err)
		}
	}

	if d.Metrics != nil {
		d.Metrics.RecordBuildJob(ctx, string(status))
		d.Metrics.GraphBuildDuration.Record(ctx, time.Since(started).Seconds())
	}
}

// Status reports the daemon's current queue tallies, mirroring
// get_daemon_status.
type Status struct {
	CheckInterval time.Duration
	Counts        store.DaemonStatus
}

// Status returns the daemon's current queue state.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	counts, err := d.Local.CountBuildStatuses(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{CheckInterval: d.CheckInterval, Counts: counts}, nil
}
