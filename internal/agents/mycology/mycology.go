// Package mycology implements the agent owning the cooperative's
// biological records: cultures, samples, and experiments, with their
// observation histories and analysis summaries.
package mycology

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/myconet/myconet/internal/agent"
	"github.com/myconet/myconet/internal/common/ids"
	"github.com/myconet/myconet/internal/store"
	"github.com/myconet/myconet/internal/taskqueue"
)

// Kind identifies this agent type in descriptors.
const Kind = "mycology"

// Pipeline queues owned by the agent.
const (
	QueueAnalysis = "analysis"
	QueueImport   = "import"
	QueueExport   = "export"
)

// Record statuses.
const (
	StatusActive       = "active"
	StatusContaminated = "contaminated"
	StatusArchived     = "archived"
)

// Record types.
const (
	TypeCulture    = "culture"
	TypeSample     = "sample"
	TypeExperiment = "experiment"
)

const recordPrefix = "rec_"

var (
	// ErrMissingParam marks an operation call lacking a required field.
	ErrMissingParam = errors.New("missing required parameter")
	// ErrRecordNotFound is returned for unknown record ids.
	ErrRecordNotFound = errors.New("record not found")
)

// Observation is one timestamped measurement on a record.
type Observation struct {
	At          time.Time `json:"at"`
	Note        string    `json:"note,omitempty"`
	TempC       *float64  `json:"temp_c,omitempty"`
	HumidityPct *float64  `json:"humidity_pct,omitempty"`
	PH          *float64  `json:"ph,omitempty"`
}

// Record is one owned biological entity. Mutated only by this agent.
type Record struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Species      string         `json:"species"`
	Substrate    string         `json:"substrate,omitempty"`
	Status       string         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Observations []Observation  `json:"observations,omitempty"`
	Analysis     map[string]any `json:"analysis,omitempty"`
}

// Config tunes the agent's pipelines and watch loop.
type Config struct {
	AnalysisCapacity int
	ImportCapacity   int
	ExportCapacity   int
	// WatchInterval is the contamination-watch wake-up period.
	WatchInterval time.Duration
	// StaleAfter is how long a culture may go unobserved before the
	// watch loop flags it.
	StaleAfter time.Duration
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		AnalysisCapacity: 64,
		ImportCapacity:   16,
		ExportCapacity:   16,
		WatchInterval:    30 * time.Second,
		StaleAfter:       24 * time.Hour,
	}
}

// configFromDescriptor overlays descriptor config onto the defaults.
func configFromDescriptor(desc agent.Descriptor) Config {
	def := DefaultConfig()
	return Config{
		AnalysisCapacity: agent.ConfigInt(desc.Config, "analysis_capacity", def.AnalysisCapacity),
		ImportCapacity:   agent.ConfigInt(desc.Config, "import_capacity", def.ImportCapacity),
		ExportCapacity:   agent.ConfigInt(desc.Config, "export_capacity", def.ExportCapacity),
		WatchInterval:    agent.ConfigDuration(desc.Config, "watch_interval", def.WatchInterval),
		StaleAfter:       agent.ConfigDuration(desc.Config, "stale_after", def.StaleAfter),
	}
}

// Agent owns the bio records and their processing pipelines.
type Agent struct {
	*agent.Core
	cfg Config

	// mu serializes read-modify-write cycles on the document store
	// between operations and the pipeline worker.
	mu sync.Mutex
}

// New creates the agent for the given descriptor.
func New(desc agent.Descriptor) *Agent {
	return &Agent{
		Core: agent.NewCore(desc),
		cfg:  configFromDescriptor(desc),
	}
}

// Factory builds the agent for the orchestrator.
func Factory(desc agent.Descriptor) (agent.Agent, error) {
	return New(desc), nil
}

// Initialize registers queues, operations, and loops. Idempotent.
func (a *Agent) Initialize(ctx context.Context, rt *agent.Runtime) error {
	if a.Initialized() {
		return nil
	}
	a.AttachRuntime(rt)

	queues := []struct {
		name string
		cap  int
	}{
		{QueueAnalysis, a.cfg.AnalysisCapacity},
		{QueueImport, a.cfg.ImportCapacity},
		{QueueExport, a.cfg.ExportCapacity},
	}
	for _, q := range queues {
		if _, err := rt.RegisterQueue(q.name, q.cap); err != nil {
			return err
		}
	}

	a.RegisterOperation("create_culture", a.opCreateCulture)
	a.RegisterOperation("record_observation", a.opRecordObservation)
	a.RegisterOperation("import_dataset", a.opImportDataset)
	a.RegisterOperation("export_dataset", a.opExportDataset)
	a.RegisterOperation("get_record", a.opGetRecord)
	a.RegisterOperation("list_records", a.opListRecords)

	rt.SpawnLoop("analysis-worker", a.pipelineWorker)
	rt.SpawnLoop("contamination-watch", a.contaminationWatch)

	a.MarkInitialized()
	return nil
}

// Start publishes the initial record count.
func (a *Agent) Start(ctx context.Context) error {
	records, err := a.listRecords("", "")
	if err != nil {
		return err
	}
	a.Runtime().SetMetric("records", float64(len(records)))
	return nil
}

// Stop is a no-op: every mutation is already persisted.
func (a *Agent) Stop(ctx context.Context) error {
	a.Runtime().Logger().Info("Mycology agent stopping")
	return nil
}

// HandleError implements the agent's error contract. A resource_error
// names a record that can no longer be trusted: it is marked
// contaminated, persisted, and announced.
func (a *Agent) HandleError(ctx context.Context, kind string, data map[string]any) agent.ErrorOutcome {
	switch kind {
	case agent.KindResourceError:
		id, _ := data["id"].(string)
		if id == "" {
			return agent.ErrorOutcome{Success: false, Action: "mark_contaminated", Detail: "no record id in error data"}
		}
		if err := a.markContaminated(id); err != nil {
			return agent.ErrorOutcome{Success: false, Action: "mark_contaminated", Subject: id, Detail: err.Error()}
		}
		return agent.ErrorOutcome{Success: true, Action: "mark_contaminated", Subject: id}
	default:
		return agent.ErrorOutcome{Success: false, Action: "none", Detail: "unhandled error kind: " + kind}
	}
}

// markContaminated flips a record to Contaminated and notifies.
func (a *Agent) markContaminated(id string) error {
	a.mu.Lock()
	rec, err := a.getRecord(id)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if rec.Status == StatusContaminated {
		a.mu.Unlock()
		return nil
	}
	rec.Status = StatusContaminated
	rec.UpdatedAt = time.Now().UTC()
	err = a.Runtime().Store().Put(rec.ID, rec)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.Runtime().Notify("culture_contaminated", rec.ID, map[string]any{"species": rec.Species})
	return nil
}

// --- operations ---

func (a *Agent) opCreateCulture(ctx context.Context, params map[string]any) (map[string]any, error) {
	species, _ := params["species"].(string)
	if strings.TrimSpace(species) == "" {
		return nil, fmt.Errorf("%w: species", ErrMissingParam)
	}
	recordType, _ := params["type"].(string)
	if recordType == "" {
		recordType = TypeCulture
	}
	substrate, _ := params["substrate"].(string)

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
		return nil, err
	}

	a.Runtime().Notify("culture_created", rec.ID, map[string]any{
		"species": rec.Species,
		"kind":    rec.Type,
	})
	return map[string]any{"id": rec.ID, "status": rec.Status}, nil
}

func (a *Agent) opRecordObservation(ctx context.Context, params map[string]any) (map[string]any, error) {
	id, _ := params["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("%w: id", ErrMissingParam)
	}

	obs := Observation{At: time.Now().UTC()}
	obs.Note, _ = params["note"].(string)
	if v, ok := params["temp_c"].(float64); ok {
		obs.TempC = &v
	}
	if v, ok := params["humidity_pct"].(float64); ok {
		obs.HumidityPct = &v
	}
	if v, ok := params["ph"].(float64); ok {
		obs.PH = &v
	}

	a.mu.Lock()
	rec, err := a.getRecord(id)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	rec.Observations = append(rec.Observations, obs)
	rec.UpdatedAt = obs.At
	err = a.Runtime().Store().Put(rec.ID, rec)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	task := taskqueue.NewTask("analyze", map[string]any{"record_id": rec.ID})
	if q, ok := a.Runtime().Queue(QueueAnalysis); ok {
		if err := q.Enqueue(task); err != nil {
			// The observation is saved; only the analysis refresh is lost.
			a.Runtime().Logger().Warn("Analysis task dropped",
				zap.String("record_id", rec.ID),
				zap.Error(err))
		}
	}

	a.Runtime().Notify("observation_recorded", rec.ID, nil)
	return map[string]any{
		"id":           rec.ID,
		"observations": len(rec.Observations),
	}, nil
}

func (a *Agent) opImportDataset(ctx context.Context, params map[string]any) (map[string]any, error) {
	rows, ok := params["records"].([]any)
	if !ok || len(rows) == 0 {
		return nil, fmt.Errorf("%w: records", ErrMissingParam)
	}

	task := taskqueue.NewTask("import_batch", map[string]any{"records": rows})
	q, _ := a.Runtime().Queue(QueueImport)
	if err := q.Enqueue(task); err != nil {
		return nil, err
	}
	return map[string]any{"queued": true, "task_id": task.ID, "count": len(rows)}, nil
}

func (a *Agent) opExportDataset(ctx context.Context, params map[string]any) (map[string]any, error) {
	payload := map[string]any{}
	if idsParam, ok := params["record_ids"].([]any); ok {
		payload["record_ids"] = idsParam
	}

	task := taskqueue.NewTask("export_batch", payload)
	q, _ := a.Runtime().Queue(QueueExport)
	if err := q.Enqueue(task); err != nil {
		return nil, err
	}
	return map[string]any{"queued": true, "task_id": task.ID}, nil
}

func (a *Agent) opGetRecord(ctx context.Context, params map[string]any) (map[string]any, error) {
	id, _ := params["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("%w: id", ErrMissingParam)
	}

	a.mu.Lock()
	rec, err := a.getRecord(id)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return map[string]any{"record": rec}, nil
}

func (a *Agent) opListRecords(ctx context.Context, params map[string]any) (map[string]any, error) {
	status, _ := params["status"].(string)
	recordType, _ := params["type"].(string)

	records, err := a.listRecords(status, recordType)
	if err != nil {
		return nil, err
	}
	if limit, ok := params["limit"].(float64); ok && int(limit) > 0 && int(limit) < len(records) {
		records = records[:int(limit)]
	}
	return map[string]any{"records": records, "count": len(records)}, nil
}

// --- store access ---

// getRecord loads one record. Callers hold a.mu when they intend to write
// back.
func (a *Agent) getRecord(id string) (*Record, error) {
	var rec Record
	if err := a.Runtime().Store().Get(id, &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return nil, err
	}
	return &rec, nil
}

// listRecords scans the store for records, optionally filtered, sorted by
// creation time.
func (a *Agent) listRecords(status, recordType string) ([]*Record, error) {
	docIDs, err := a.Runtime().Store().List()
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(docIDs))
	for _, id := range docIDs {
		if !strings.HasPrefix(id, recordPrefix) {
			continue
		}
		var rec Record
		if err := a.Runtime().Store().Get(id, &rec); err != nil {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		if recordType != "" && rec.Type != recordType {
			continue
		}
		records = append(records, &rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}
