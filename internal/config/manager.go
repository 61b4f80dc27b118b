// Package config implements the three-layer configuration model
// called for in spec §9: defaults → persisted file → per-request
// overrides, merged by a pure right-wins function. See SPEC_FULL.md
// "AMBIENT STACK".
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
)

// PhaseName identifies one of the seven fixed phase kinds plus the
// synthetic company_enrichment_youtube step.
type PhaseName string

const (
	PhaseKeywordMetrics         PhaseName = "keyword_metrics"
	PhaseSERPCollection         PhaseName = "serp_collection"
	PhaseCompanyEnrichmentSERP  PhaseName = "company_enrichment_serp"
	PhaseVideoEnrichment        PhaseName = "video_enrichment"
	PhaseContentScraping        PhaseName = "content_scraping"
	PhaseContentAnalysis        PhaseName = "content_analysis"
	PhaseCompanyEnrichmentYT    PhaseName = "company_enrichment_youtube"
	PhaseDSICalculation         PhaseName = "dsi_calculation"
)

// AllPhases lists every phase kind in the order they appear in the
// dependency DAG (spec §4.8).
var AllPhases = []PhaseName{
	PhaseKeywordMetrics,
	PhaseSERPCollection,
	PhaseCompanyEnrichmentSERP,
	PhaseVideoEnrichment,
	PhaseContentScraping,
	PhaseContentAnalysis,
	PhaseCompanyEnrichmentYT,
	PhaseDSICalculation,
}

// CircuitBreakerConfig holds per-service breaker thresholds (spec §4.3).
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	Window           time.Duration `json:"window"`
	InitialCooldown  time.Duration `json:"initial_cooldown"`
	MaxCooldown      time.Duration `json:"max_cooldown"`
}

// RetryConfig holds per-service retry budgets (spec §4.4).
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// PipelineConfig is the full set of recognized configuration knobs
// from spec §6, plus the per-service resilience budgets.
type PipelineConfig struct {
	Project      string   `json:"project" validate:"required_with=Keywords"`
	Landscape    string   `json:"landscape"`
	Keywords     []string `json:"keywords"`
	ContentTypes []string `json:"content_types" validate:"dive,oneof=organic news video"` // subset of {organic, news, video}
	Regions      []string `json:"regions"`

	EnabledPhases map[PhaseName]bool `json:"enabled_phases"`

	SERPCoordinatorCutoffMinutes int  `json:"serp_coordinator_cutoff_minutes"`
	WebhookStartsPipeline        bool `json:"webhook_starts_pipeline"`

	BatchSize      map[PhaseName]int `json:"batch_size"`
	Concurrency    map[PhaseName]int `json:"concurrency"`
	TimeoutMinutes map[PhaseName]int `json:"timeout_minutes"`

	CircuitBreakers map[string]CircuitBreakerConfig `json:"circuit_breakers"`
	Retries         map[string]RetryConfig          `json:"retries"`

	// Content-analysis prompt configuration (spec §4.6.6).
	Personas          []string `json:"personas"`
	JourneyPhases     []string `json:"journey_phases"`
	CustomDimensions  []string `json:"custom_dimensions"`
	MaxAnalysisChars  int      `json:"max_analysis_chars"`

	CompanyProfileTTLHours int `json:"company_profile_ttl_hours"`

	// SERPSyncMode selects in-process pagination (true) over the
	// default batch/webhook mode (false) for serp_collection (spec §4.6.2).
	SERPSyncMode bool `json:"serp_sync_mode"`
}

// Validate checks the recognized configuration knobs (spec §6) against
// their declared constraints before a pipeline is started or resumed.
func (c PipelineConfig) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// Merge applies overrides on top of base, right-wins, field by field.
// A nil/zero-value field in overrides means "inherit from base". This
// is the pure merge function spec §9 calls for; it never mutates its
// arguments.
func Merge(base, overrides PipelineConfig) PipelineConfig {
	out := base

	if overrides.Project != "" {
		out.Project = overrides.Project
	}
	if overrides.Landscape != "" {
		out.Landscape = overrides.Landscape
	}
	if overrides.Keywords != nil {
		out.Keywords = overrides.Keywords
	}
	if overrides.ContentTypes != nil {
		out.ContentTypes = overrides.ContentTypes
	}
	if overrides.Regions != nil {
		out.Regions = overrides.Regions
	}
	if overrides.Personas != nil {
		out.Personas = overrides.Personas
	}
	if overrides.JourneyPhases != nil {
		out.JourneyPhases = overrides.JourneyPhases
	}
	if overrides.CustomDimensions != nil {
		out.CustomDimensions = overrides.CustomDimensions
	}
	if overrides.MaxAnalysisChars != 0 {
		out.MaxAnalysisChars = overrides.MaxAnalysisChars
	}
	if overrides.CompanyProfileTTLHours != 0 {
		out.CompanyProfileTTLHours = overrides.CompanyProfileTTLHours
	}
	if overrides.EnabledPhases != nil {
		out.EnabledPhases = mergeBoolMap(base.EnabledPhases, overrides.EnabledPhases)
	}
	if overrides.SERPCoordinatorCutoffMinutes != 0 {
		out.SERPCoordinatorCutoffMinutes = overrides.SERPCoordinatorCutoffMinutes
	}
	out.WebhookStartsPipeline = overrides.WebhookStartsPipeline || base.WebhookStartsPipeline
	out.SERPSyncMode = overrides.SERPSyncMode || base.SERPSyncMode
	if overrides.BatchSize != nil {
		out.BatchSize = mergeIntMap(base.BatchSize, overrides.BatchSize)
	}
	if overrides.Concurrency != nil {
		out.Concurrency = mergeIntMap(base.Concurrency, overrides.Concurrency)
	}
	if overrides.TimeoutMinutes != nil {
		out.TimeoutMinutes = mergeIntMap(base.TimeoutMinutes, overrides.TimeoutMinutes)
	}
	if overrides.CircuitBreakers != nil {
		out.CircuitBreakers = mergeBreakerMap(base.CircuitBreakers, overrides.CircuitBreakers)
	}
	if overrides.Retries != nil {
		out.Retries = mergeRetryMap(base.Retries, overrides.Retries)
	}

	return out
}

func mergeBoolMap(base, over map[PhaseName]bool) map[PhaseName]bool {
	out := make(map[PhaseName]bool, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func mergeIntMap(base, over map[PhaseName]int) map[PhaseName]int {
	out := make(map[PhaseName]int, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func mergeBreakerMap(base, over map[string]CircuitBreakerConfig) map[string]CircuitBreakerConfig {
	out := make(map[string]CircuitBreakerConfig, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func mergeRetryMap(base, over map[string]RetryConfig) map[string]RetryConfig {
	out := make(map[string]RetryConfig, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Defaults returns the first layer of the merge: sane built-in
// defaults, matching spec §4.9's per-phase timeout table.
func Defaults() PipelineConfig {
	return PipelineConfig{
		ContentTypes: []string{"organic"},
		Regions:      []string{"US"},
		EnabledPhases: map[PhaseName]bool{
			PhaseKeywordMetrics:        true,
			PhaseSERPCollection:        true,
			PhaseCompanyEnrichmentSERP: true,
			PhaseVideoEnrichment:       true,
			PhaseContentScraping:       true,
			PhaseContentAnalysis:       true,
			PhaseCompanyEnrichmentYT:   true,
			PhaseDSICalculation:        true,
		},
		SERPCoordinatorCutoffMinutes: 15,
		WebhookStartsPipeline:        true,
		BatchSize: map[PhaseName]int{
			PhaseVideoEnrichment: 50,
		},
		Concurrency: map[PhaseName]int{
			PhaseContentScraping: 50,
			PhaseContentAnalysis: 10,
		},
		TimeoutMinutes: map[PhaseName]int{
			PhaseKeywordMetrics:        30,
			PhaseSERPCollection:        120,
			PhaseCompanyEnrichmentSERP: 60,
			PhaseVideoEnrichment:       60,
			PhaseContentScraping:       180,
			PhaseContentAnalysis:       240,
			PhaseCompanyEnrichmentYT:   60,
			PhaseDSICalculation:        30,
		},
		CircuitBreakers: map[string]CircuitBreakerConfig{
			"default": {
				FailureThreshold: 5,
				Window:           60 * time.Second,
				InitialCooldown:  120 * time.Second,
				MaxCooldown:      30 * time.Minute,
			},
		},
		Retries: map[string]RetryConfig{
			"default": {
				MaxAttempts: 5,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    30 * time.Second,
			},
		},
		Personas:               []string{"economic-buyer", "technical-evaluator", "end-user"},
		JourneyPhases:          []string{"problem-identification", "solution-exploration", "requirements-building", "supplier-selection", "validation", "consensus-creation"},
		MaxAnalysisChars:       20000,
		CompanyProfileTTLHours: 24 * 30,
	}
}

// Watcher is notified whenever the persisted layer reloads.
type Watcher interface {
	OnConfigChange(cfg PipelineConfig)
}

// Manager owns the persisted (second) layer: it loads/saves a JSON
// file and merges it over Defaults() to produce the effective base
// config that per-request overrides are then merged on top of.
// Grounded on the teacher's ConfigManager; LoadConfig/SaveConfig/
// watcher notification kept, file watching switched from a stat-
// polling loop to fsnotify.
type Manager struct {
	mu         chan struct{} // binary semaphore, avoids importing sync just for a mutex + watcher list mutation
	path       string
	persisted  PipelineConfig
	watchers   []Watcher
	watcherErr chan error
	stop       chan struct{}
}

// NewManager creates a manager whose persisted layer starts out empty
// (i.e. effective config == Defaults()).
func NewManager() *Manager {
	return &Manager{
		mu:        make(chan struct{}, 1),
		persisted: Defaults(),
		stop:      make(chan struct{}),
	}
}

// Load reads the persisted layer from path, creating it with defaults
// if absent.
func (m *Manager) Load(path string) error {
	m.path = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return m.Save()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var cfg PipelineConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	m.persisted = Merge(Defaults(), cfg)
	return nil
}

// Save writes the current persisted layer to disk.
func (m *Manager) Save() error {
	if m.path == "" {
		return fmt.Errorf("no config path set")
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(m.persisted, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(m.path, data, 0o644)
}

// Base returns the effective base config (defaults merged with the
// persisted layer). Callers then Merge per-request overrides on top.
func (m *Manager) Base() PipelineConfig {
	return m.persisted
}

// Update replaces the persisted layer and notifies watchers.
func (m *Manager) Update(cfg PipelineConfig) {
	m.persisted = Merge(Defaults(), cfg)
	for _, w := range m.watchers {
		w.OnConfigChange(m.persisted)
	}
}

// AddWatcher registers a watcher notified on every Update/reload.
func (m *Manager) AddWatcher(w Watcher) {
	m.watchers = append(m.watchers, w)
}

// Watch starts an fsnotify watch on the config file, reloading and
// notifying watchers on every write. Stop with Close.
func (m *Manager) Watch() error {
	if m.path == "" {
		return fmt.Errorf("no config path set")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-m.stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name == m.path && (ev.Op&(fsnotify.Write|fsnotify.Create) != 0) {
					_ = m.Load(m.path)
					for _, w := range m.watchers {
						w.OnConfigChange(m.persisted)
					}
				}
			case <-watcher.Errors:
				// swallow: a transient watch error shouldn't crash the process
			}
		}
	}()
	return nil
}

// Close stops the file watcher goroutine, if running.
func (m *Manager) Close() {
	close(m.stop)
}
