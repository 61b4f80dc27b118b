// Package collaborators defines the narrow interface contracts the
// pipeline needs from each external system named in spec §1 as "out
// of scope" — the search provider, the scraper provider, the
// company-data provider, the video-metadata provider, and the LLM
// provider. Concrete clients for any real provider are deliberately
// not part of this module; only the capability contract each worker
// depends on is specified here, plus an in-memory fake of each used by
// tests (see fakes.go).
package collaborators

import (
	"context"
	"time"
)

// KeywordMetric is what the keyword-data collaborator returns for one
// (keyword, region) pair (spec §4.6.1).
type KeywordMetric struct {
	AvgMonthlySearches float64
	Competition        string
	BidLow             float64
	BidHigh            float64
	NoData             bool // true when the provider has no data for this pair
}

// KeywordDataProvider fetches historical search-volume metrics.
type KeywordDataProvider interface {
	FetchMetric(ctx context.Context, keyword, region string) (KeywordMetric, error)
}

// SERPItem is one ranked result as returned by the search provider.
// KeywordID and SERPType are populated by the caller for synchronous
// fetches (where both are already known) and by the provider itself
// for batch result files (which span many keywords and content types).
type SERPItem struct {
	KeywordID        string
	SERPType         string // organic | news | video
	Position         int
	URL              string
	Title            string
	Snippet          string
	EstimatedTraffic *float64
}

// BatchHandle identifies a SERP batch created in asynchronous/webhook
// mode (spec §4.6.2).
type BatchHandle struct {
	BatchID     string
	ContentType string // organic | news | video
}

// SearchProvider is the search-engine-results collaborator. Both
// pipeline modes from spec §4.6.2 are represented: FetchResults drives
// synchronous in-process pagination, CreateBatch kicks off an
// asynchronous batch whose completion arrives later via webhook.
type SearchProvider interface {
	FetchResults(ctx context.Context, keyword, region, contentType string) ([]SERPItem, error)
	CreateBatch(ctx context.Context, contentType string, keywords []string, region string) (BatchHandle, error)
	// FetchBatchResults reads the result rows for an already-completed
	// batch, given the download link recorded from the webhook payload.
	FetchBatchResults(ctx context.Context, downloadLink string) ([]SERPItem, error)
}

// ScrapeResult is what the scraper provider returns for one URL (spec §4.6.5).
type ScrapeResult struct {
	Status      string // completed | failed
	FinalURL    string
	ContentType string // html | pdf | docx
	Title       string
	Body        string
	WordCount   int
	Engine      string
	PageCount   int
	TableCount  int
}

// ScraperProvider fetches and extracts text from a single URL. The
// caller is responsible for HEAD/content-type sniffing to pick a
// route (HTML/PDF/Word); the provider itself is presented as one
// capability regardless of document type, since that routing detail
// is internal to the collaborator in a real deployment.
type ScraperProvider interface {
	Scrape(ctx context.Context, url string) (ScrapeResult, error)
}

// CompanyInfo is what the company-data collaborator returns for a
// normalized root domain (spec §4.6.3).
type CompanyInfo struct {
	CompanyName  string
	Industry     string
	Size         string
	Technologies []string
	ParentDomain string
	SourceType   string
	Found        bool
}

// CompanyDataProvider enriches a normalized root domain with firmographic data.
type CompanyDataProvider interface {
	Lookup(ctx context.Context, rootDomain string) (CompanyInfo, error)
}

// VideoSnapshot is one video's metadata at fetch time (spec §4.6.4).
type VideoSnapshot struct {
	VideoID            string
	ChannelID          string
	ChannelTitle       string
	ChannelDescription string
	ViewCount          int64
	LikeCount          int64
	CommentCount       int64
	DurationSecs       int
	FetchedAt          time.Time
}

// VideoDataProvider fetches metadata for up to 50 video ids per call
// (spec §4.6.4); the quota manager gates how many ids a single call
// may request.
type VideoDataProvider interface {
	FetchBatch(ctx context.Context, videoIDs []string) ([]VideoSnapshot, error)
}

// AnalysisRequest carries everything the content-analysis worker
// builds from client configuration plus the scraped page (spec §4.6.6).
type AnalysisRequest struct {
	URL              string
	Text             string
	Personas         []string
	JourneyPhases    []string
	CustomDimensions []string
}

// AnalysisResult is the structured output of an LLM analysis call.
type AnalysisResult struct {
	Summary             string
	PrimaryPersona      string
	PersonaScores       map[string]float64
	PrimaryJourneyPhase string
	JourneyScore        float64
	Classification      string
	SourceType          string
	EntityMentions      []string
	Sentiment           string
}

// ChannelExtraction is the structured output of a channel→company
// resolution call (spec §4.10).
type ChannelExtraction struct {
	Domain     string
	SourceType string // e.g. VENDOR, MEDIA, NO_DOMAIN_FOUND
}

// LLMProvider is the single generic LLM capability used by both
// content analysis and the background channel resolver.
type LLMProvider interface {
	Analyze(ctx context.Context, req AnalysisRequest) (AnalysisResult, error)
	ResolveChannel(ctx context.Context, channelTitle, descriptionExcerpt string) (ChannelExtraction, error)
}
