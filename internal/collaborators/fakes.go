package collaborators

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// The fakes below back unit and integration tests; they are not used
// by cmd/pipelined. Each is safe for concurrent use since phase
// workers fan out with bounded concurrency.

// FakeKeywordData returns a fixed metric (or NoData) per keyword.
type FakeKeywordData struct {
	mu      sync.Mutex
	Metrics map[string]KeywordMetric // key: keyword+region
	Calls   int
}

func NewFakeKeywordData() *FakeKeywordData {
	return &FakeKeywordData{Metrics: make(map[string]KeywordMetric)}
}

func (f *FakeKeywordData) FetchMetric(ctx context.Context, keyword, region string) (KeywordMetric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if m, ok := f.Metrics[keyword+"|"+region]; ok {
		return m, nil
	}
	return KeywordMetric{AvgMonthlySearches: 1000, Competition: "medium", BidLow: 1, BidHigh: 3}, nil
}

// FakeSearch returns canned SERP rows, optionally via the batch path.
type FakeSearch struct {
	mu         sync.Mutex
	Results    map[string][]SERPItem // key: keyword+region+contentType
	Batches    map[string][]SERPItem // key: batchID
	nextBatch  int
}

func NewFakeSearch() *FakeSearch {
	return &FakeSearch{Results: make(map[string][]SERPItem), Batches: make(map[string][]SERPItem)}
}

func (f *FakeSearch) FetchResults(ctx context.Context, keyword, region, contentType string) ([]SERPItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Results[keyword+"|"+region+"|"+contentType], nil
}

func (f *FakeSearch) CreateBatch(ctx context.Context, contentType string, keywords []string, region string) (BatchHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextBatch++
	id := fmt.Sprintf("batch-%d", f.nextBatch)
	var rows []SERPItem
	for _, kw := range keywords {
		for _, item := range f.Results[kw+"|"+region+"|"+contentType] {
			item.KeywordID, item.SERPType = kw, contentType
			rows = append(rows, item)
		}
	}
	f.Batches[id] = rows
	return BatchHandle{BatchID: id, ContentType: contentType}, nil
}

func (f *FakeSearch) FetchBatchResults(ctx context.Context, downloadLink string) ([]SERPItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Batches[downloadLink], nil
}

// FakeScraper returns canned scrape results, or fails for configured URLs.
type FakeScraper struct {
	mu      sync.Mutex
	Pages   map[string]ScrapeResult
	FailURL map[string]bool
	Calls   int
}

func NewFakeScraper() *FakeScraper {
	return &FakeScraper{Pages: make(map[string]ScrapeResult), FailURL: make(map[string]bool)}
}

func (f *FakeScraper) Scrape(ctx context.Context, url string) (ScrapeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.FailURL[url] {
		return ScrapeResult{}, fmt.Errorf("scrape %s: simulated failure", url)
	}
	if r, ok := f.Pages[url]; ok {
		return r, nil
	}
	return ScrapeResult{Status: "completed", FinalURL: url, ContentType: "html", WordCount: 250, Engine: "fake-html"}, nil
}

// FakeCompanyData looks up canned company info by domain.
type FakeCompanyData struct {
	mu        sync.Mutex
	Companies map[string]CompanyInfo
	Unreachable map[string]bool
	Calls     int
}

func NewFakeCompanyData() *FakeCompanyData {
	return &FakeCompanyData{Companies: make(map[string]CompanyInfo), Unreachable: make(map[string]bool)}
}

func (f *FakeCompanyData) Lookup(ctx context.Context, rootDomain string) (CompanyInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.Unreachable[rootDomain] {
		return CompanyInfo{}, fmt.Errorf("lookup %s: provider unreachable", rootDomain)
	}
	if c, ok := f.Companies[rootDomain]; ok {
		return c, nil
	}
	return CompanyInfo{CompanyName: rootDomain, Found: true, SourceType: "UNKNOWN"}, nil
}

// FakeVideoData returns canned video snapshots, costing one quota unit per call.
type FakeVideoData struct {
	mu    sync.Mutex
	Calls int
}

func NewFakeVideoData() *FakeVideoData { return &FakeVideoData{} }

func (f *FakeVideoData) FetchBatch(ctx context.Context, videoIDs []string) ([]VideoSnapshot, error) {
	f.mu.Lock()
	f.Calls++
	f.mu.Unlock()
	out := make([]VideoSnapshot, 0, len(videoIDs))
	for _, id := range videoIDs {
		out = append(out, VideoSnapshot{
			VideoID: id, ChannelID: "channel-" + id, ChannelTitle: "Channel " + id, ViewCount: 1000, LikeCount: 50,
			CommentCount: 5, DurationSecs: 300, FetchedAt: time.Now().UTC(),
		})
	}
	return out, nil
}

// FakeLLM returns a deterministic analysis/extraction for tests.
type FakeLLM struct {
	mu    sync.Mutex
	Calls int
}

func NewFakeLLM() *FakeLLM { return &FakeLLM{} }

func (f *FakeLLM) Analyze(ctx context.Context, req AnalysisRequest) (AnalysisResult, error) {
	f.mu.Lock()
	f.Calls++
	f.mu.Unlock()
	scores := make(map[string]float64, len(req.Personas))
	primary := ""
	best := -1.0
	for i, p := range req.Personas {
		s := 0.5 + float64(i)*0.05
		if s > 1 {
			s = 1
		}
		scores[p] = s
		if s > best {
			best = s
			primary = p
		}
	}
	phase := "problem-identification"
	if len(req.JourneyPhases) > 0 {
		phase = req.JourneyPhases[0]
	}
	return AnalysisResult{
		Summary: "summary of " + req.URL, PrimaryPersona: primary, PersonaScores: scores,
		PrimaryJourneyPhase: phase, JourneyScore: 0.6, Classification: "blog", SourceType: "vendor",
		Sentiment: "neutral",
	}, nil
}

func (f *FakeLLM) ResolveChannel(ctx context.Context, channelTitle, descriptionExcerpt string) (ChannelExtraction, error) {
	f.mu.Lock()
	f.Calls++
	f.mu.Unlock()
	if channelTitle == "" {
		return ChannelExtraction{SourceType: "NO_DOMAIN_FOUND"}, nil
	}
	return ChannelExtraction{Domain: channelTitle + ".com", SourceType: "VENDOR"}, nil
}
