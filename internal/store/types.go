package store

import "time"

// RunStatus is a Pipeline Run's lifecycle status (spec §3).
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunMode distinguishes a from-scratch run from one reusing prior
// snapshots.
type RunMode string

const (
	ModeInitial     RunMode = "initial"
	ModeIncremental RunMode = "incremental"
)

// PhaseStatus is one phase's status for one pipeline run (spec §3).
type PhaseStatusValue string

const (
	PhasePending   PhaseStatusValue = "pending"
	PhaseRunning   PhaseStatusValue = "running"
	PhaseCompleted PhaseStatusValue = "completed"
	PhaseFailed    PhaseStatusValue = "failed"
	PhaseSkipped   PhaseStatusValue = "skipped"
	PhaseBlocked   PhaseStatusValue = "blocked"
)

// WorkItemStatus is a single fan-out unit's status (spec §3).
type WorkItemStatus string

const (
	ItemQueued     WorkItemStatus = "queued"
	ItemProcessing WorkItemStatus = "processing"
	ItemCompleted  WorkItemStatus = "completed"
	ItemFailed     WorkItemStatus = "failed"
)

// PipelineRun is the top-level unit of work (spec §3 "Pipeline Run").
type PipelineRun struct {
	ID                   string
	CreatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	Status               RunStatus
	Mode                 RunMode
	ConfigSnapshot       string // JSON: enabled phases, content types, regions, keyword set
	KeywordsProcessed    int
	SERPRows             int
	PagesScraped         int
	PagesAnalyzed        int
	CompaniesEnriched    int
	PhaseResults         string // JSON: free-form per-phase result map
	Errors               string // JSON array of error strings
	Project              string
	PeriodDate           string // YYYY-MM-DD
}

// PhaseStatus is (pipeline-run, phase-name) status (spec §3 "Phase Status").
type PhaseStatus struct {
	PipelineRunID string
	Phase         string
	Status        PhaseStatusValue
	StartedAt     *time.Time
	CompletedAt   *time.Time
	AttemptCount  int
	Result        string // JSON typed result payload
	LastError     string
}

// WorkItem is a single fan-out unit within a phase (spec §3 "Work Item").
type WorkItem struct {
	PipelineRunID string
	Phase         string
	ItemKind      string
	ItemID        string
	Status        WorkItemStatus
	AttemptCount  int
	LastError     string
	UpdatedAt     time.Time
}

// BatchExpectation is spec §3 "SERP Batch Expectation".
type BatchExpectation struct {
	Project        string
	PeriodDate     string
	ContentType    string
	Expected       bool
	Received       bool
	ReceivedAt     *time.Time
	ExternalBatchID string
	ResultSetID    string
	DownloadLinks  string // JSON map
}

// CoordinatorLock is spec §3 "SERP Coordinator Lock". Its insertion
// (unique on Project+PeriodDate) is the atomic exactly-once guard.
type CoordinatorLock struct {
	Project       string
	PeriodDate    string
	PipelineRunID string // may be empty until the pipeline is actually created
}

// SERPResult is spec §3 "SERP Result row".
type SERPResult struct {
	PipelineRunID    string
	KeywordID        string
	SERPType         string
	Position         int
	URL              string
	NormalizedDomain string
	Title            string
	Snippet          string
	EstimatedTraffic *float64
}

// ScrapedContent is spec §3 "Scraped Content row".
type ScrapedContent struct {
	PipelineRunID string
	URL           string
	Status        string
	FinalURL      string
	ContentType   string
	Title         string
	Body          string
	WordCount     int
	Engine        string
	Metadata      string // JSON: page count, table count, etc.
}

// ContentAnalysis is spec §3 "Content Analysis row".
type ContentAnalysis struct {
	PipelineRunID       string
	URL                 string
	Summary             string
	PrimaryPersona      string
	PersonaScores       string // JSON map[string]float64
	PrimaryJourneyPhase string
	JourneyScore        float64
	Classification       string
	SourceType          string
	EntityMentions      string // JSON array
	Sentiment           string
}

// CompanyProfile is spec §3 "Company Profile", keyed by normalized
// root domain.
type CompanyProfile struct {
	RootDomain     string
	CompanyName    string
	Industry       string
	Size           string
	Technologies   string // JSON array
	ParentDomain   string
	SourceType     string
	UpdatedAt      time.Time
}

// VideoSnapshot is spec §3 "Video Snapshot row", one point-in-time
// metadata fetch for a YouTube-style video discovered in SERP results.
type VideoSnapshot struct {
	PipelineRunID      string
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

// DSICompanyScore is spec §3/§4.6.7: one company's per-content-type
// Digital Share of Intelligence score, ranked densely within that
// content type.
type DSICompanyScore struct {
	PipelineRunID    string
	ContentType      string // organic | news | video
	CompanyDomain    string
	KeywordCoverage  float64
	TrafficShare     float64 // organic only
	ContentRelevance float64
	MarketPresence   float64 // news/video only
	PositionScore    float64 // news/video only
	DSI              float64
	Rank             int
	MarketPosition   string // leader | challenger | competitor | niche
}

// DSIPageScore is spec §4.6.7's page-level companion to
// DSICompanyScore: the per-page relevance contribution that rolled up
// into its company's ContentRelevance figure.
type DSIPageScore struct {
	PipelineRunID          string
	URL                    string
	CompanyDomain          string
	ContentType            string
	RelevanceContribution float64
}

// ChannelCompanyMapping is spec §4.10's "channel→company mapping" row:
// a best-guess company domain for a YouTube-style channel id, resolved
// by the background resolver (or left at NO_DOMAIN_FOUND/EXTRACTION_ERROR
// as valid terminal states that stop it from being re-processed).
type ChannelCompanyMapping struct {
	ChannelID    string
	Domain       string
	SourceType   string // VENDOR | MEDIA | NO_DOMAIN_FOUND | EXTRACTION_ERROR | PENDING
	AttemptCount int
	UpdatedAt    time.Time
}

// HistoricalKeywordMetric is spec §3 "Historical Keyword Metric".
type HistoricalKeywordMetric struct {
	SnapshotDate     string
	KeywordID        string
	Country          string
	Source           string
	AvgMonthlySearch float64
	Competition      string
	BidLow           float64
	BidHigh          float64
}

// BreakerState mirrors internal/breaker.State for checkpointing to
// the store (spec §5).
type BreakerState struct {
	Service             string
	State               string // closed|open|half-open
	ConsecutiveFailures int
	LastFailureAt       *time.Time
	OpenUntil           *time.Time
}

// QuotaCounter is spec §3 "Quota Counter".
type QuotaCounter struct {
	Service   string
	Date      string
	UnitsUsed int
	Breakdown string // JSON map[string]int per-operation
}

// Event is one row of the append-only pipeline event log (spec §4.1,
// §4.7, §8).
type Event struct {
	ID            int64
	PipelineRunID string
	OccurredAt    time.Time
	Kind          string
	Message       string
	Data          string // JSON
}
