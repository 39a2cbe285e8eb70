package mycology

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/myconet/myconet/internal/agent"
	"github.com/myconet/myconet/internal/common/ids"
	"github.com/myconet/myconet/internal/taskqueue"
)

// pollSlice bounds one blocking Dequeue when the worker round-robins its
// pipelines, so none of them can starve the others.
const pollSlice = 250 * time.Millisecond

// pipelineWorker is the single consumer for the analysis, import, and
// export queues. Record mutation stays confined to this loop and the
// mutex-guarded operations.
func (a *Agent) pipelineWorker(ctx context.Context) error {
	pipelines := []string{QueueAnalysis, QueueImport, QueueExport}

	closed := 0
	for _, name := range pipelines {
		q, ok := a.Runtime().Queue(name)
		if !ok {
			continue
		}

		slice, cancel := context.WithTimeout(ctx, pollSlice)
		task, err := q.Dequeue(slice)
		cancel()
		if err != nil {
			if errors.Is(err, taskqueue.ErrQueueClosed) {
				closed++
				continue
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return err
		}

		taskErr := a.processTask(ctx, task)
		q.MarkDone()
		if taskErr != nil {
			return taskErr
		}
	}

	// All pipelines drained: idle until shutdown instead of spinning.
	if closed == len(pipelines) {
		select {
		case <-ctx.Done():
		case <-time.After(pollSlice):
		}
	}

	a.Runtime().SetMetric("analysis_backlog", float64(a.queueLen(QueueAnalysis)))
	return ctx.Err()
}

func (a *Agent) queueLen(name string) int {
	if q, ok := a.Runtime().Queue(name); ok {
		return q.Len()
	}
	return 0
}

// processTask runs one pipeline task.
func (a *Agent) processTask(ctx context.Context, task taskqueue.Task) error {
	switch task.Kind {
	case "analyze":
		id, _ := task.Payload["record_id"].(string)
		return a.analyzeRecord(id)
	case "import_batch":
		return a.importBatch(task)
	case "export_batch":
		return a.exportBatch(task)
	default:
		a.Runtime().Logger().Warn("Unknown pipeline task", zap.String("kind", task.Kind))
		return nil
	}
}

// analyzeRecord recomputes a record's analysis summary from its
// observations. An observation noting contamination raises a
// resource_error so the record is quarantined through the error contract.
func (a *Agent) analyzeRecord(id string) error {
	a.mu.Lock()
	rec, err := a.getRecord(id)
	if err != nil {
		a.mu.Unlock()
		if errors.Is(err, ErrRecordNotFound) {
			// Record deleted between enqueue and processing.
			return nil
		}
		return err
	}

	summary := map[string]any{
		"observation_count": len(rec.Observations),
		"analyzed_at":       time.Now().UTC().Format(time.RFC3339),
	}
	var tempSum float64
	var tempN int
	contaminated := false
	for _, obs := range rec.Observations {
		if obs.TempC != nil {
			tempSum += *obs.TempC
			tempN++
		}
		if strings.Contains(strings.ToLower(obs.Note), "contamination") {
			contaminated = true
		}
	}
	if tempN > 0 {
		summary["avg_temp_c"] = tempSum / float64(tempN)
	}
	if n := len(rec.Observations); n > 0 {
		summary["last_observed"] = rec.Observations[n-1].At.Format(time.RFC3339)
	}

	rec.Analysis = summary
	rec.UpdatedAt = time.Now().UTC()
	err = a.Runtime().Store().Put(rec.ID, rec)
	a.mu.Unlock()
	if err != nil {
		return err
	}

	if contaminated && rec.Status == StatusActive {
		return agent.NewKindError(agent.KindResourceError,
			map[string]any{"id": rec.ID},
			fmt.Errorf("contamination observed on %s", rec.ID))
	}
	return nil
}

// importBatch creates records from a queued dataset.
func (a *Agent) importBatch(task taskqueue.Task) error {
	rows, _ := task.Payload["records"].([]any)

	imported := 0
	for _, raw := range rows {
		row, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		species, _ := row["species"].(string)
		if strings.TrimSpace(species) == "" {
			continue
		}
		recordType, _ := row["type"].(string)
		if recordType == "" {
			recordType = TypeSample
		}
		substrate, _ := row["substrate"].(string)

		now := time.Now().UTC()
		rec := &Record{
			ID:        recordPrefix + ids.New(),
			Type:      recordType,
			Species:   strings.TrimSpace(species),
			Substrate: substrate,
			Status:    StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		a.mu.Lock()
		err := a.Runtime().Store().Put(rec.ID, rec)
		a.mu.Unlock()
		if err != nil {
			return err
		}
		imported++
	}

	a.Runtime().Notify("dataset_imported", task.ID, map[string]any{"count": imported})
	a.Runtime().Logger().Info("Dataset imported",
		zap.String("task_id", task.ID),
		zap.Int("count", imported))
	return nil
}

// exportBatch snapshots records into an export document next to the
// record files.
func (a *Agent) exportBatch(task taskqueue.Task) error {
	var filter map[string]bool
	if idsParam, ok := task.Payload["record_ids"].([]any); ok {
		filter = make(map[string]bool, len(idsParam))
		for _, v := range idsParam {
			if s, ok := v.(string); ok {
				filter[s] = true
			}
		}
	}

	records, err := a.listRecords("", "")
	if err != nil {
		return err
	}
	if filter != nil {
		kept := records[:0]
		for _, rec := range records {
			if filter[rec.ID] {
				kept = append(kept, rec)
			}
		}
		records = kept
	}

	export := map[string]any{
		"exported_at": time.Now().UTC().Format(time.RFC3339),
		"count":       len(records),
		"records":     records,
	}
	if err := a.Runtime().Store().Put("export_"+task.ID, export); err != nil {
		return err
	}

	a.Runtime().Notify("dataset_exported", task.ID, map[string]any{"count": len(records)})
	return nil
}

// contaminationWatch periodically flags active cultures that have gone
// unobserved for too long. Flagging is a notification, not a status
// change: only evidence (an observation or a resource_error) contaminates
// a record.
func (a *Agent) contaminationWatch(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(a.cfg.WatchInterval):
	}

	records, err := a.listRecords(StatusActive, "")
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-a.cfg.StaleAfter)
	flagged := 0
	for _, rec := range records {
		lastSeen := rec.CreatedAt
		if n := len(rec.Observations); n > 0 {
			lastSeen = rec.Observations[n-1].At
		}
		if lastSeen.Before(cutoff) {
			flagged++
			a.Runtime().Notify("contamination_suspected", rec.ID, map[string]any{
				"species":       rec.Species,
				"last_observed": lastSeen.Format(time.RFC3339),
			})
		}
	}
	a.Runtime().SetMetric("stale_cultures", float64(flagged))
	return nil
}
