package phase

import (
	"context"
	"encoding/json"
	"math"
	"sort"

	"github.com/cylvy/landscape-pipeline/internal/config"
	"github.com/cylvy/landscape-pipeline/internal/pipelineerr"
	"github.com/cylvy/landscape-pipeline/internal/store"
)

// DSIWorker is spec §4.6.7, the terminal phase: computes each
// company's Digital Share of Intelligence per content type from the
// run's accumulated SERP, scraped-content, analysis, and company-profile
// rows, then writes dense ranks and a market-position label. Purely a
// local computation over already-persisted rows, so there is nothing to
// retry or fan out — it either succeeds or the store itself failed.
type DSIWorker struct{ Deps Deps }

func NewDSIWorker(d Deps) *DSIWorker { return &DSIWorker{Deps: d} }

func (w *DSIWorker) Name() config.PhaseName { return config.PhaseDSICalculation }

type dsiResult struct {
	Companies map[string]int `json:"companies_ranked"` // content type -> count
	Pages     int            `json:"pages_scored"`
}

// marketPositionThresholds operate on a 0-100 scale; DSI itself is
// stored as a [0,1] fraction per the coverage/share/relevance invariant,
// so thresholds are compared against dsi*100.
const (
	thresholdLeader     = 50.0
	thresholdChallenger = 25.0
	thresholdCompetitor = 10.0
)

func (w *DSIWorker) Run(ctx context.Context, run *store.PipelineRun, cfg config.PipelineConfig) Outcome {
	s := w.Deps.Store

	// DSI scoring against an empty keyword/content-type set can never
	// produce a meaningful share-of-intelligence number; a run that
	// reaches this terminal phase with either empty is misconfigured
	// rather than merely sparse, so this is fatal, not a zero-result.
	if len(cfg.Keywords) == 0 || len(cfg.ContentTypes) == 0 {
		return Outcome{Status: StatusFailed, Err: pipelineerr.ErrInvariantViolation}
	}

	analysisRows, err := s.ListContentAnalysisForRun(run.ID)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}
	pageScoreByURL := make(map[string]float64, len(analysisRows))
	for _, a := range analysisRows {
		pageScoreByURL[a.URL] = averagePersonaScore(a.PersonaScores)
	}

	totalKeywords := len(cfg.Keywords)
	companiesRanked := make(map[string]int)
	var pageScores []store.DSIPageScore

	for _, ct := range cfg.ContentTypes {
		serpRows, err := serpRowsForContentType(s, run.ID, cfg.Keywords, ct)
		if err != nil {
			return Outcome{Status: StatusFailed, Err: err}
		}
		if len(serpRows) == 0 {
			continue
		}

		grouped := groupByDomain(serpRows)
		landscapeTraffic := 0.0
		haveTraffic := false
		for _, rows := range grouped {
			for _, r := range rows {
				if r.EstimatedTraffic != nil {
					landscapeTraffic += *r.EstimatedTraffic
					haveTraffic = true
				}
			}
		}

		var scores []store.DSICompanyScore
		avgPosByDomain := make(map[string]float64, len(grouped))
		for domain, rows := range grouped {
			keywords := make(map[string]bool)
			var posSum float64
			domainTraffic := 0.0
			for _, r := range rows {
				keywords[r.KeywordID] = true
				posSum += float64(r.Position)
				if r.EstimatedTraffic != nil {
					domainTraffic += *r.EstimatedTraffic
				}
			}
			keywordCoverage := 0.0
			if totalKeywords > 0 {
				keywordCoverage = clip(float64(len(keywords))/float64(totalKeywords), 0, 1)
			}
			avgPosition := posSum / float64(len(rows))
			avgPosByDomain[domain] = avgPosition

			relevance, pagesForDomain := contentRelevanceForDomain(rows, pageScoreByURL)
			for _, p := range pagesForDomain {
				pageScores = append(pageScores, store.DSIPageScore{
					PipelineRunID: run.ID, URL: p, CompanyDomain: domain, ContentType: ct,
					RelevanceContribution: pageScoreByURL[p],
				})
			}

			var dsi, trafficShare, marketPresence, positionScore float64
			if ct == "organic" {
				if haveTraffic && landscapeTraffic > 0 {
					trafficShare = clip(domainTraffic/landscapeTraffic, 0, 1)
				} else {
					proxy := clip((21-avgPosition)/20, 0, 1)
					trafficShare = proxy * keywordCoverage
				}
				dsi = math.Sqrt(keywordCoverage * trafficShare * relevance)
			} else {
				marketPresence = clip(float64(len(rows))/20, 0, 1)
				positionScore = clip(1-(avgPosition-1)/20, 0, 1)
				dsi = 0.40*keywordCoverage + 0.30*relevance + 0.20*marketPresence + 0.10*positionScore
			}

			scores = append(scores, store.DSICompanyScore{
				PipelineRunID: run.ID, ContentType: ct, CompanyDomain: domain,
				KeywordCoverage: keywordCoverage, TrafficShare: trafficShare, ContentRelevance: relevance,
				MarketPresence: marketPresence, PositionScore: positionScore, DSI: dsi,
			})
		}

		rankDSIScores(scores, avgPosByDomain)
		if err := s.ReplaceDSICompanyScores(run.ID, ct, scores); err != nil {
			return Outcome{Status: StatusFailed, Err: err}
		}
		companiesRanked[ct] = len(scores)
	}

	if err := s.ReplaceDSIPageScores(run.ID, pageScores); err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}

	payload, _ := json.Marshal(dsiResult{Companies: companiesRanked, Pages: len(pageScores)})
	return Outcome{Status: StatusCompleted, ResultJSON: string(payload)}
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func averagePersonaScore(personaScoresJSON string) float64 {
	if personaScoresJSON == "" {
		return 0.5
	}
	var scores map[string]float64
	if err := json.Unmarshal([]byte(personaScoresJSON), &scores); err != nil || len(scores) == 0 {
		return 0.5
	}
	sum := 0.0
	for _, v := range scores {
		sum += v
	}
	return clip(sum/float64(len(scores)), 0, 1)
}

// serpRowsForContentType collects this run's SERP rows for one content
// type across the configured keyword set.
func serpRowsForContentType(s *store.Store, runID string, keywords []string, contentType string) ([]store.SERPResult, error) {
	var out []store.SERPResult
	for _, kw := range keywords {
		rows, err := s.ListSERPResultsByKeyword(runID, kw)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if r.SERPType == contentType {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func groupByDomain(rows []store.SERPResult) map[string][]store.SERPResult {
	grouped := make(map[string][]store.SERPResult)
	for _, r := range rows {
		if r.NormalizedDomain == "" {
			continue
		}
		grouped[r.NormalizedDomain] = append(grouped[r.NormalizedDomain], r)
	}
	return grouped
}

// contentRelevanceForDomain averages the per-page persona-alignment
// score across every analyzed page whose URL belongs to this domain's
// SERP rows (spec §4.6.7: "average ... normalized to [0,1]; empty
// analysis defaults to 0.5").
func contentRelevanceForDomain(rows []store.SERPResult, pageScoreByURL map[string]float64) (float64, []string) {
	var sum float64
	var pages []string
	for _, r := range rows {
		if score, ok := pageScoreByURL[r.URL]; ok {
			sum += score
			pages = append(pages, r.URL)
		}
	}
	if len(pages) == 0 {
		return 0.5, nil
	}
	return clip(sum/float64(len(pages)), 0, 1), pages
}

// rankDSIScores assigns dense ranks (1, 2, 2, 3, ...) sorted by DSI
// desc, ties broken by keyword coverage desc then avg position asc
// (spec §4.6.7); remaining ties resolve by domain name for determinism.
func rankDSIScores(scores []store.DSICompanyScore, avgPosByDomain map[string]float64) {
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].DSI != scores[j].DSI {
			return scores[i].DSI > scores[j].DSI
		}
		if scores[i].KeywordCoverage != scores[j].KeywordCoverage {
			return scores[i].KeywordCoverage > scores[j].KeywordCoverage
		}
		pi, pj := avgPosByDomain[scores[i].CompanyDomain], avgPosByDomain[scores[j].CompanyDomain]
		if pi != pj {
			return pi < pj
		}
		return scores[i].CompanyDomain < scores[j].CompanyDomain
	})

	rank := 0
	var prevDSI float64
	first := true
	for i := range scores {
		if first || scores[i].DSI != prevDSI {
			rank++
			prevDSI = scores[i].DSI
			first = false
		}
		scores[i].Rank = rank
		scores[i].MarketPosition = marketPositionLabel(scores[i].DSI * 100)
	}
}

func marketPositionLabel(dsiPercent float64) string {
	switch {
	case dsiPercent >= thresholdLeader:
		return "leader"
	case dsiPercent >= thresholdChallenger:
		return "challenger"
	case dsiPercent >= thresholdCompetitor:
		return "competitor"
	default:
		return "niche"
	}
}
