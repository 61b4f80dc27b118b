package phase

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cylvy/landscape-pipeline/internal/collaborators"
	"github.com/cylvy/landscape-pipeline/internal/concurrency"
	"github.com/cylvy/landscape-pipeline/internal/config"
	"github.com/cylvy/landscape-pipeline/internal/store"
)

// ContentAnalysisWorker is spec §4.6.6: run the LLM collaborator over
// every eligible scraped page (completed, long enough, referring domain
// enriched) and persist a structured per-dimension result. Single
// attempt per document; flexible completion shared with content
// scraping.
type ContentAnalysisWorker struct{ Deps Deps }

func NewContentAnalysisWorker(d Deps) *ContentAnalysisWorker { return &ContentAnalysisWorker{Deps: d} }

func (w *ContentAnalysisWorker) Name() config.PhaseName { return config.PhaseContentAnalysis }

type contentAnalysisResult struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Ratio     float64 `json:"attempted_ratio"`
}

const minAnalyzableChars = 100

func (w *ContentAnalysisWorker) Run(ctx context.Context, run *store.PipelineRun, cfg config.PipelineConfig) Outcome {
	s := w.Deps.Store

	scraped, err := s.ListScrapedContentForRun(run.ID)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}

	var items []store.WorkItem
	bodies := make(map[string]string)
	for _, c := range scraped {
		if c.Status != "completed" || len(c.Body) <= minAnalyzableChars {
			continue
		}
		domain := normalizedHost(c.URL)
		profile, err := s.GetCompanyProfile(domain)
		if err != nil {
			return Outcome{Status: StatusFailed, Err: err}
		}
		if profile == nil || profile.SourceType == "UNREACHABLE" {
			continue
		}
		items = append(items, store.WorkItem{ItemKind: "url", ItemID: c.URL})
		bodies[c.URL] = c.Body
	}
	if err := s.EnqueueWorkItems(run.ID, string(config.PhaseContentAnalysis), items); err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}

	phaseStatus, err := s.GetPhaseStatus(run.ID, string(config.PhaseContentAnalysis))
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}
	startedAt := time.Now()
	if phaseStatus != nil && phaseStatus.StartedAt != nil {
		startedAt = *phaseStatus.StartedAt
	}

	width := concurrencyFor(cfg, config.PhaseContentAnalysis, 10)
	maxChars := cfg.MaxAnalysisChars
	if maxChars <= 0 {
		maxChars = 20000
	}

	for {
		if ctx.Err() != nil {
			return Outcome{Status: StatusFailed, Err: ctx.Err()}
		}

		counts, err := s.WorkItemCounts(run.ID, string(config.PhaseContentAnalysis))
		if err != nil {
			return Outcome{Status: StatusFailed, Err: err}
		}
		total := counts[store.ItemQueued] + counts[store.ItemProcessing] + counts[store.ItemCompleted] + counts[store.ItemFailed]
		lastActivity, err := s.LastWorkItemActivity(run.ID, string(config.PhaseContentAnalysis))
		if err != nil {
			return Outcome{Status: StatusFailed, Err: err}
		}
		if flexibleCompletionMet(flexibleCompletionInput{
			Total: total, Completed: counts[store.ItemCompleted], Failed: counts[store.ItemFailed],
			StartedAt: startedAt, LastActivity: lastActivity,
		}) {
			payload, _ := json.Marshal(contentAnalysisResult{
				Total: total, Completed: counts[store.ItemCompleted], Failed: counts[store.ItemFailed],
				Ratio: ratio(counts[store.ItemCompleted]+counts[store.ItemFailed], total),
			})
			return Outcome{Status: StatusCompleted, ResultJSON: string(payload)}
		}

		batch, err := s.DequeueWorkItems(run.ID, string(config.PhaseContentAnalysis), width)
		if err != nil {
			return Outcome{Status: StatusFailed, Err: err}
		}
		if len(batch) == 0 {
			// Nothing left to claim but completion predicate not yet met:
			// stop here rather than spin.
			payload, _ := json.Marshal(contentAnalysisResult{
				Total: total, Completed: counts[store.ItemCompleted], Failed: counts[store.ItemFailed],
				Ratio: ratio(counts[store.ItemCompleted]+counts[store.ItemFailed], total),
			})
			return Outcome{Status: StatusCompleted, ResultJSON: string(payload)}
		}

		concurrency.BoundedEach(ctx, width, batch, func(ctx context.Context, item store.WorkItem) {
			w.analyzeOne(ctx, cfg, run.ID, item, bodies[item.ItemID], maxChars)
		})
	}
}

func (w *ContentAnalysisWorker) analyzeOne(ctx context.Context, cfg config.PipelineConfig, runID string, item store.WorkItem, body string, maxChars int) {
	s := w.Deps.Store
	url := item.ItemID

	if len(body) > maxChars {
		body = body[:maxChars]
	}

	req := collaborators.AnalysisRequest{
		URL: url, Text: body, Personas: cfg.Personas,
		JourneyPhases: cfg.JourneyPhases, CustomDimensions: cfg.CustomDimensions,
	}

	var result collaborators.AnalysisResult
	if err := w.Deps.waitRateLimit(ctx, "llm-provider"); err != nil {
		_ = s.FailWorkItem(runID, string(config.PhaseContentAnalysis), item.ItemKind, item.ItemID, err.Error(), 1)
		return
	}
	err := w.Deps.Breakers.Call(ctx, "llm-provider", func(ctx context.Context) error {
		r, err := w.Deps.Collab.LLM.Analyze(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		_ = s.FailWorkItem(runID, string(config.PhaseContentAnalysis), item.ItemKind, item.ItemID, err.Error(), 1)
		return
	}

	scoresJSON, _ := json.Marshal(result.PersonaScores)
	entitiesJSON, _ := json.Marshal(result.EntityMentions)
	row := store.ContentAnalysis{
		PipelineRunID: runID, URL: url, Summary: result.Summary, PrimaryPersona: result.PrimaryPersona,
		PersonaScores: string(scoresJSON), PrimaryJourneyPhase: result.PrimaryJourneyPhase,
		JourneyScore: result.JourneyScore, Classification: result.Classification,
		SourceType: result.SourceType, EntityMentions: string(entitiesJSON), Sentiment: result.Sentiment,
	}
	if err := s.UpsertContentAnalysis(row); err != nil {
		_ = s.FailWorkItem(runID, string(config.PhaseContentAnalysis), item.ItemKind, item.ItemID, err.Error(), 1)
		return
	}
	_ = s.CompleteWorkItem(runID, string(config.PhaseContentAnalysis), item.ItemKind, item.ItemID)
}
