// Package coordinator implements the SERP Batch Coordinator (spec
// §4.7): it ingests external "batch complete" webhook deliveries,
// tracks per (project, period, content-type) batch expectations, and
// starts exactly one pipeline run once every expected batch has
// arrived or the configured cutoff window has elapsed. Grounded on
// the teacher's internal/webhook/webhook.go shape — a bounded
// in-memory queue drained by worker goroutines so the HTTP handler
// can acknowledge within its response budget (spec §6: "respond
// within 5s regardless of downstream work") — repurposed here for
// inbound delivery instead of the teacher's outbound event dispatch,
// and its HMAC helper direction flipped from signing to verifying.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cylvy/landscape-pipeline/internal/config"
	"github.com/cylvy/landscape-pipeline/internal/logger"
	"github.com/cylvy/landscape-pipeline/internal/orchestrator"
	"github.com/cylvy/landscape-pipeline/internal/store"
	"github.com/cylvy/landscape-pipeline/internal/supervisor"
)

// TaskName is the supervisor task name the cutoff sweep registers
// under (spec §9: every long-running loop is a named supervised task).
const TaskName = "serp-coordinator-cutoff-sweep"

// RegisterCutoffSweep starts Sweep as a supervised task ticking every
// interval, so a pending window's cutoff fires a pipeline start even
// with no further webhook delivery to trigger re-evaluation.
func RegisterCutoffSweep(ctx context.Context, sup *supervisor.Supervisor, c *Coordinator, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	return sup.Start(ctx, supervisor.Task{Name: TaskName, Interval: interval, Tick: c.Sweep})
}

// WebhookPayload is the external provider's batch-completion
// notification, bit-compatible per spec §6.
type WebhookPayload struct {
	RequestInfo struct {
		Type string `json:"type"`
	} `json:"request_info"`
	Batch struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"batch"`
	ResultSet struct {
		ID               int               `json:"id"`
		SearchesCompleted int              `json:"searches_completed"`
		SearchesFailed    int              `json:"searches_failed"`
		DownloadLinks     map[string]map[string]string `json:"download_links"`
	} `json:"result_set"`
}

// ErrUnrecognizedPayload means request_info.type or the batch name
// did not match anything the coordinator understands.
var ErrUnrecognizedPayload = errors.New("coordinator: unrecognized webhook payload")

const wantedType = "batch_resultset_completed"

// classifyContentType extracts organic|news|video from a batch name
// via keyword match (spec §6: "extract content-type from the batch
// name via keyword match").
func classifyContentType(batchName string) (string, error) {
	upper := strings.ToUpper(batchName)
	switch {
	case strings.Contains(upper, "ORGANIC"):
		return "organic", nil
	case strings.Contains(upper, "NEWS"):
		return "news", nil
	case strings.Contains(upper, "VIDEO"):
		return "video", nil
	default:
		return "", fmt.Errorf("%w: batch name %q names no known content type", ErrUnrecognizedPayload, batchName)
	}
}

// delivery is one queued webhook awaiting background processing.
type delivery struct {
	project    string
	periodDate string
	payload    WebhookPayload
}

// Coordinator owns the batch-expectation bookkeeping and the decision
// to start a pipeline run.
type Coordinator struct {
	store *store.Store
	orch  *orchestrator.Orchestrator
	log   logger.Logger

	configBase func() config.PipelineConfig

	queue chan delivery
	wg    sync.WaitGroup
}

// New builds a Coordinator. configBase supplies the effective base
// config (content types, cutoff minutes, webhook_starts_pipeline flag)
// applied to any pipeline the coordinator starts; workers is the size
// of the background processing pool (spec §6's async queue).
func New(s *store.Store, orch *orchestrator.Orchestrator, log logger.Logger, configBase func() config.PipelineConfig, workers int) *Coordinator {
	if workers <= 0 {
		workers = 4
	}
	c := &Coordinator{
		store:      s,
		orch:       orch,
		log:        log,
		configBase: configBase,
		queue:      make(chan delivery, 256),
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// Close drains the queue and stops all worker goroutines.
func (c *Coordinator) Close() {
	close(c.queue)
	c.wg.Wait()
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for d := range c.queue {
		if err := c.process(context.Background(), d.project, d.periodDate, d.payload); err != nil {
			c.log.Error("coordinator: webhook processing failed",
				logger.String("project", d.project), logger.String("period_date", d.periodDate), logger.Err(err))
		}
	}
}

// Accept validates payload shape and enqueues it for background
// processing, returning immediately so the HTTP handler can respond
// within its budget (spec §6).
func (c *Coordinator) Accept(project, periodDate string, payload WebhookPayload) error {
	if payload.RequestInfo.Type != wantedType {
		return fmt.Errorf("%w: request_info.type %q", ErrUnrecognizedPayload, payload.RequestInfo.Type)
	}
	if _, err := classifyContentType(payload.Batch.Name); err != nil {
		return err
	}
	select {
	case c.queue <- delivery{project: project, periodDate: periodDate, payload: payload}:
		return nil
	default:
		return fmt.Errorf("coordinator: webhook queue full")
	}
}

// process records the delivery and, if satisfied, starts exactly one
// pipeline run. Grounded on spec §4.7's four-step algorithm.
func (c *Coordinator) process(ctx context.Context, project, periodDate string, payload WebhookPayload) error {
	ct, err := classifyContentType(payload.Batch.Name)
	if err != nil {
		return err
	}

	linksJSON, err := json.Marshal(payload.ResultSet.DownloadLinks)
	if err != nil {
		return fmt.Errorf("coordinator: marshal download links: %w", err)
	}

	// Ensure an expectation row exists before marking it received —
	// the first webhook seen for a content type is what establishes it
	// as "expected" for this (project, day) when nothing pre-seeded it.
	if err := c.store.UpsertBatchExpectation(store.BatchExpectation{
		Project: project, PeriodDate: periodDate, ContentType: ct, Expected: true,
	}); err != nil {
		return err
	}
	if err := c.store.RecordBatchReceived(project, periodDate, ct, payload.Batch.ID, strconv.Itoa(payload.ResultSet.ID), string(linksJSON)); err != nil {
		return err
	}

	return c.startIfReady(ctx, project, periodDate)
}

// startIfReady evaluates spec §4.7's satisfaction rule for (project,
// periodDate) and, if satisfied, acquires the coordinator lock and
// starts exactly one pipeline run. It is the shared path for both
// webhook-triggered re-evaluation (process) and the cutoff sweep
// (Sweep), since cutoff can elapse with no further webhook ever
// arriving to trigger a re-check.
func (c *Coordinator) startIfReady(ctx context.Context, project, periodDate string) error {
	cfg := c.configBase()
	if !cfg.WebhookStartsPipeline {
		return nil
	}

	satisfied, missing, err := c.evaluateSatisfaction(project, periodDate, cfg)
	if err != nil {
		return err
	}
	if !satisfied {
		return nil
	}

	// Idempotence: duplicate webhooks for an already-locked (project,
	// day) must never start a second pipeline (spec §4.7, §8).
	if err := c.store.AcquireCoordinatorLock(project, periodDate); err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			return nil
		}
		return err
	}

	cfg.Project = project
	runID, err := c.orch.Start(ctx, project, periodDate, store.ModeInitial, cfg)
	if err != nil {
		return fmt.Errorf("coordinator: start pipeline for %s/%s: %w", project, periodDate, err)
	}
	if err := c.store.AttachPipelineRunToLock(project, periodDate, runID); err != nil {
		return err
	}
	if len(missing) > 0 {
		detail, _ := json.Marshal(missing)
		_ = c.store.AppendEvent(runID, "serp_batch_missing_at_cutoff",
			fmt.Sprintf("proceeding without content type(s): %s", strings.Join(missing, ", ")), string(detail))
	}
	return nil
}

// Sweep re-evaluates every (project, period-date) window that has at
// least one received batch but hasn't started a pipeline yet. Run on
// an interval by the owning process, this is what makes cutoff-based
// partial completion actually fire when no further webhook arrives
// after the first one — spec §8 scenario 3 requires the pipeline to
// start at the cutoff deadline itself, not at the next delivery.
func (c *Coordinator) Sweep(ctx context.Context) error {
	windows, err := c.store.ListPendingCoordinatorWindows()
	if err != nil {
		return fmt.Errorf("coordinator: sweep: %w", err)
	}
	for _, w := range windows {
		if err := c.startIfReady(ctx, w.Project, w.PeriodDate); err != nil {
			c.log.Error("coordinator: cutoff sweep failed",
				logger.String("project", w.Project), logger.String("period_date", w.PeriodDate), logger.Err(err))
		}
	}
	return nil
}

// evaluateSatisfaction implements spec §4.7's invariant: a pipeline
// may start once either every expected content type has been received,
// or the cutoff interval has elapsed since the first received batch.
// missing lists content types still outstanding when cutoff triggers
// the start anyway.
func (c *Coordinator) evaluateSatisfaction(project, periodDate string, cfg config.PipelineConfig) (satisfied bool, missing []string, err error) {
	expectations, err := c.store.ListBatchExpectations(project, periodDate)
	if err != nil {
		return false, nil, err
	}

	received := make(map[string]bool, len(expectations))
	var firstReceivedAt *time.Time
	for _, be := range expectations {
		if !be.Received {
			continue
		}
		received[be.ContentType] = true
		if be.ReceivedAt != nil && (firstReceivedAt == nil || be.ReceivedAt.Before(*firstReceivedAt)) {
			firstReceivedAt = be.ReceivedAt
		}
	}

	for _, ct := range cfg.ContentTypes {
		if !received[ct] {
			missing = append(missing, ct)
		}
	}
	if len(missing) == 0 {
		return true, nil, nil
	}

	cutoff := time.Duration(cfg.SERPCoordinatorCutoffMinutes) * time.Minute
	if cutoff <= 0 {
		cutoff = 15 * time.Minute
	}
	if firstReceivedAt != nil && time.Since(*firstReceivedAt) >= cutoff {
		return true, missing, nil
	}
	return false, missing, nil
}
