// cmd/pipelined is the long-running orchestrator/watchdog/resolver
// process (SPEC_FULL.md §2 "Process composition"). Individual provider
// clients are out of scope per spec §1 ("specified only by the
// capability contract each must satisfy") — this file implements each
// internal/collaborators interface as a thin generic JSON/HTTP adapter
// against an operator-configured base URL, so the process is runnable
// against any provider that speaks the shape described in
// internal/collaborators without this module vendoring a specific
// vendor's SDK.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cylvy/landscape-pipeline/internal/collaborators"
)

// httpClient is shared by every adapter below; each outbound call is
// already wrapped in internal/retry + internal/breaker by the phase
// worker that invokes it, so this client carries only a hard per-call
// deadline (spec §5: "every outbound call carries an explicit deadline").
type httpClient struct {
	base   string
	client *http.Client
}

func newHTTPClient(base string, timeout time.Duration) httpClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return httpClient{base: base, client: &http.Client{Timeout: timeout}}
}

func (h httpClient) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	u, err := url.JoinPath(h.base, path)
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: provider returned %d: %s", path, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}

// ProviderEndpoints configures the base URL for each out-of-scope
// collaborator. An empty URL disables that collaborator (its adapter
// returns an error on every call), which is the expected state for a
// deployment that only runs a subset of phases.
type ProviderEndpoints struct {
	KeywordData string
	Search      string
	Scraper     string
	CompanyData string
	VideoData   string
	LLM         string
}

func buildCollaborators(ep ProviderEndpoints, timeout time.Duration) collaborators.Collaborators {
	return collaborators.Collaborators{
		KeywordData: keywordDataAdapter{newHTTPClient(ep.KeywordData, timeout)},
		Search:      searchAdapter{newHTTPClient(ep.Search, timeout)},
		Scraper:     scraperAdapter{newHTTPClient(ep.Scraper, timeout)},
		CompanyData: companyDataAdapter{newHTTPClient(ep.CompanyData, timeout)},
		VideoData:   videoDataAdapter{newHTTPClient(ep.VideoData, timeout)},
		LLM:         llmAdapter{newHTTPClient(ep.LLM, timeout)},
	}
}

type keywordDataAdapter struct{ h httpClient }

func (a keywordDataAdapter) FetchMetric(ctx context.Context, keyword, region string) (collaborators.KeywordMetric, error) {
	var out collaborators.KeywordMetric
	err := a.h.postJSON(ctx, "/keyword-metric", map[string]string{"keyword": keyword, "region": region}, &out)
	return out, err
}

type searchAdapter struct{ h httpClient }

func (a searchAdapter) FetchResults(ctx context.Context, keyword, region, contentType string) ([]collaborators.SERPItem, error) {
	var out []collaborators.SERPItem
	err := a.h.postJSON(ctx, "/serp/fetch", map[string]string{"keyword": keyword, "region": region, "content_type": contentType}, &out)
	return out, err
}

func (a searchAdapter) CreateBatch(ctx context.Context, contentType string, keywords []string, region string) (collaborators.BatchHandle, error) {
	var out collaborators.BatchHandle
	err := a.h.postJSON(ctx, "/serp/batch", map[string]interface{}{"content_type": contentType, "keywords": keywords, "region": region}, &out)
	return out, err
}

func (a searchAdapter) FetchBatchResults(ctx context.Context, downloadLink string) ([]collaborators.SERPItem, error) {
	var out []collaborators.SERPItem
	err := a.h.postJSON(ctx, "/serp/batch-results", map[string]string{"download_link": downloadLink}, &out)
	return out, err
}

type scraperAdapter struct{ h httpClient }

func (a scraperAdapter) Scrape(ctx context.Context, u string) (collaborators.ScrapeResult, error) {
	var out collaborators.ScrapeResult
	err := a.h.postJSON(ctx, "/scrape", map[string]string{"url": u}, &out)
	return out, err
}

type companyDataAdapter struct{ h httpClient }

func (a companyDataAdapter) Lookup(ctx context.Context, rootDomain string) (collaborators.CompanyInfo, error) {
	var out collaborators.CompanyInfo
	err := a.h.postJSON(ctx, "/company/lookup", map[string]string{"root_domain": rootDomain}, &out)
	return out, err
}

type videoDataAdapter struct{ h httpClient }

func (a videoDataAdapter) FetchBatch(ctx context.Context, videoIDs []string) ([]collaborators.VideoSnapshot, error) {
	var out []collaborators.VideoSnapshot
	err := a.h.postJSON(ctx, "/video/batch", map[string]interface{}{"video_ids": videoIDs}, &out)
	return out, err
}

type llmAdapter struct{ h httpClient }

func (a llmAdapter) Analyze(ctx context.Context, req collaborators.AnalysisRequest) (collaborators.AnalysisResult, error) {
	var out collaborators.AnalysisResult
	err := a.h.postJSON(ctx, "/llm/analyze", req, &out)
	return out, err
}

func (a llmAdapter) ResolveChannel(ctx context.Context, channelTitle, descriptionExcerpt string) (collaborators.ChannelExtraction, error) {
	var out collaborators.ChannelExtraction
	err := a.h.postJSON(ctx, "/llm/resolve-channel", map[string]string{"channel_title": channelTitle, "description_excerpt": descriptionExcerpt}, &out)
	return out, err
}
