package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cylvy/landscape-pipeline/internal/config"
	"github.com/cylvy/landscape-pipeline/internal/pipelineerr"
	"github.com/cylvy/landscape-pipeline/internal/retry"
	"github.com/cylvy/landscape-pipeline/internal/store"
)

// VideoEnrichmentWorker is spec §4.6.4: extract video ids from the
// video-type SERP rows collected in phase 2, fetch metadata in batches
// of up to 50 against the video-data collaborator (one quota unit per
// call), and persist one snapshot row per video. Quota exhaustion is
// not a failure: the worker records when the service's budget resets
// and yields for the watchdog to resume.
type VideoEnrichmentWorker struct{ Deps Deps }

func NewVideoEnrichmentWorker(d Deps) *VideoEnrichmentWorker { return &VideoEnrichmentWorker{Deps: d} }

func (w *VideoEnrichmentWorker) Name() config.PhaseName { return config.PhaseVideoEnrichment }

const videoBatchSize = 50

// quotaRequeueAttempts is passed to FailWorkItem when quota exhaustion
// (not a real failure) sends items back to the queue; it must never be
// reached by the attempt counter so the items stay requeueable across
// watchdog resumes.
const quotaRequeueAttempts = 1 << 30

type videoEnrichmentResult struct {
	TotalVideos int     `json:"total_videos"`
	Enriched    int     `json:"enriched"`
	Ratio       float64 `json:"ratio"`
}

func (w *VideoEnrichmentWorker) Run(ctx context.Context, run *store.PipelineRun, cfg config.PipelineConfig) Outcome {
	s := w.Deps.Store

	videoIDs, err := distinctVideoIDsForRun(s, run.ID, cfg.Keywords)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}
	if len(videoIDs) == 0 {
		payload, _ := json.Marshal(videoEnrichmentResult{Ratio: 1})
		return Outcome{Status: StatusCompleted, ResultJSON: string(payload)}
	}

	items := make([]store.WorkItem, 0, len(videoIDs))
	for _, id := range videoIDs {
		items = append(items, store.WorkItem{ItemKind: "video", ItemID: id})
	}
	if err := s.EnqueueWorkItems(run.ID, string(config.PhaseVideoEnrichment), items); err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}

	phaseStatus, err := s.GetPhaseStatus(run.ID, string(config.PhaseVideoEnrichment))
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}
	previouslyFailed := phaseStatus != nil && phaseStatus.AttemptCount > 1
	var startedAt time.Time
	if phaseStatus != nil && phaseStatus.StartedAt != nil {
		startedAt = *phaseStatus.StartedAt
	} else {
		startedAt = time.Now()
	}

	enriched := 0
	total := len(videoIDs)
	for {
		if ctx.Err() != nil {
			return Outcome{Status: StatusFailed, Err: ctx.Err()}
		}
		pending, err := s.DequeueWorkItems(run.ID, string(config.PhaseVideoEnrichment), videoBatchSize)
		if err != nil {
			return Outcome{Status: StatusFailed, Err: err}
		}
		if len(pending) == 0 {
			break
		}

		ok, err := w.Deps.Quota.TryConsume("video-metadata", 1)
		if err != nil {
			return Outcome{Status: StatusFailed, Err: err}
		}
		if !ok {
			// Put these items back to queued so a later resume picks them
			// up again; release() is implicit since DequeueWorkItems only
			// transitions queued->processing, so we must explicitly fail
			// them back to a re-queueable state.
			for _, item := range pending {
				_ = s.FailWorkItem(run.ID, string(config.PhaseVideoEnrichment), item.ItemKind, item.ItemID, "quota exhausted", quotaRequeueAttempts)
			}
			resetAt := w.Deps.Quota.NextReset("video-metadata")
			payload, _ := json.Marshal(videoEnrichmentResult{TotalVideos: total, Enriched: enriched, Ratio: ratio(enriched, total)})
			return Outcome{Status: StatusYielded, ResultJSON: string(payload), Err: pipelineerr.ErrQuotaExhausted, NextResetAt: &resetAt}
		}

		ids := make([]string, 0, len(pending))
		for _, item := range pending {
			ids = append(ids, item.ItemID)
		}

		rc := retryConfigFor(cfg, "video-data")
		var snapshots []store.VideoSnapshot
		result := retry.Do(ctx, rc, "video.fetch-batch", func(ctx context.Context) error {
			if err := w.Deps.waitRateLimit(ctx, "video-data"); err != nil {
				return err
			}
			return w.Deps.Breakers.Call(ctx, "video-data", func(ctx context.Context) error {
				raw, err := w.Deps.Collab.VideoData.FetchBatch(ctx, ids)
				if err != nil {
					return err
				}
				snapshots = make([]store.VideoSnapshot, 0, len(raw))
				for _, v := range raw {
					snapshots = append(snapshots, store.VideoSnapshot{
						PipelineRunID: run.ID, VideoID: v.VideoID, ChannelID: v.ChannelID, ChannelTitle: v.ChannelTitle,
						ChannelDescription: v.ChannelDescription,
						ViewCount:          v.ViewCount, LikeCount: v.LikeCount, CommentCount: v.CommentCount,
						DurationSecs: v.DurationSecs, FetchedAt: v.FetchedAt,
					})
				}
				return nil
			})
		})
		if result.Err != nil {
			for _, item := range pending {
				_ = s.FailWorkItem(run.ID, string(config.PhaseVideoEnrichment), item.ItemKind, item.ItemID, result.Err.Error(), 3)
			}
			continue
		}

		found := make(map[string]bool, len(snapshots))
		for _, v := range snapshots {
			if err := s.UpsertVideoSnapshot(v); err != nil {
				return Outcome{Status: StatusFailed, Err: err}
			}
			found[v.VideoID] = true
			enriched++
		}
		for _, item := range pending {
			if found[item.ItemID] {
				_ = s.CompleteWorkItem(run.ID, string(config.PhaseVideoEnrichment), item.ItemKind, item.ItemID)
			} else {
				_ = s.FailWorkItem(run.ID, string(config.PhaseVideoEnrichment), item.ItemKind, item.ItemID, "not present in provider response", 3)
			}
		}
	}

	r := ratio(enriched, total)
	payload, _ := json.Marshal(videoEnrichmentResult{TotalVideos: total, Enriched: enriched, Ratio: r})

	doneEnough := r >= 1.0 ||
		r >= 0.8 ||
		(r >= 0.5 && (time.Since(startedAt) > 60*time.Minute || previouslyFailed))
	if !doneEnough {
		return Outcome{Status: StatusFailed, ResultJSON: string(payload), Err: fmt.Errorf("video_enrichment: only %.0f%% enriched", r*100)}
	}
	return Outcome{Status: StatusCompleted, ResultJSON: string(payload)}
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(n) / float64(total)
}

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// distinctVideoIDsForRun scans this run's video-type SERP rows and
// extracts a YouTube-style video id from each URL.
func distinctVideoIDsForRun(s *store.Store, runID string, keywords []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, kw := range keywords {
		rows, err := s.ListSERPResultsByKeyword(runID, kw)
		if err != nil {
			return nil, fmt.Errorf("distinct video ids: %w", err)
		}
		for _, r := range rows {
			if r.SERPType != "video" {
				continue
			}
			id := extractVideoID(r.URL)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

// extractVideoID pulls an 11-character video id out of a YouTube-style
// watch or short URL, or "" if the URL doesn't look like one.
func extractVideoID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if v := u.Query().Get("v"); videoIDPattern.MatchString(v) {
		return v
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	last := parts[len(parts)-1]
	if videoIDPattern.MatchString(last) {
		return last
	}
	return ""
}
