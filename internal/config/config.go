// Package config resolves Matchbox configuration from file, environment
// and CLI flags, tracking where each value came from.
//
// Precedence (highest wins): CLI flag > environment variable > config file
// > built-in default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValueSource records where a resolved value came from.
type ValueSource string

const (
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

// ResolvedValue is a string value plus its provenance.
type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// Matching holds every tunable of the scoring pipeline. All scores and
// thresholds live in [0,1]; weights need not sum to 1.
type Matching struct {
	// Relevance scoring
	ContentWeight      float64  `yaml:"content_weight"`
	SenderWeight       float64  `yaml:"sender_weight"`
	AttachmentWeight   float64  `yaml:"attachment_weight"`
	RelevanceThreshold float64  `yaml:"relevance_threshold"`
	UnknownSenderTrust float64  `yaml:"unknown_sender_trust"`
	AllowedExtensions  []string `yaml:"allowed_extensions"`
	DegradedPenalty    float64  `yaml:"degraded_penalty"`

	// Entity matching
	MatchThreshold    float64 `yaml:"match_threshold"`
	RuleFloor         float64 `yaml:"rule_floor"`
	ExactNameMinWords int     `yaml:"exact_name_min_words"`
	GeneralTermCount  int     `yaml:"general_term_count"`
	GeneralTermLimit  int     `yaml:"general_term_limit"`
	PriorityTermLimit int     `yaml:"priority_term_limit"`
	QueryTimeoutSecs  int     `yaml:"query_timeout_secs"`

	// Feedback integration
	FeedbackStep float64 `yaml:"feedback_step"`
}

// Lifecycle holds the maintenance sweep policies.
type Lifecycle struct {
	IdleRuleDays      int     `yaml:"idle_rule_days"`      // rules unused this long start decaying
	IdleRuleDecay     float64 `yaml:"idle_rule_decay"`     // confidence lost per sweep once idle
	StaleFeedbackDays int     `yaml:"stale_feedback_days"` // pending feedback older than this is flagged
	VacuumAboveBytes  int64   `yaml:"vacuum_above_bytes"`  // db size that triggers a vacuum
	Schedule          string  `yaml:"schedule"`            // cron spec for the sweep daemon
}

// Config is the fully resolved runtime configuration.
type Config struct {
	ConfigPath string        `json:"config_path"`
	DBPath     ResolvedValue `json:"db_path"`
	Matching   Matching      `json:"matching"`
	Lifecycle  Lifecycle     `json:"lifecycle"`
}

type fileConfig struct {
	DBPath    string     `yaml:"db_path"`
	Matching  *Matching  `yaml:"matching"`
	Lifecycle *Lifecycle `yaml:"lifecycle"`
}

// DefaultMatching returns the built-in scoring defaults.
//
// The relevance combination is content-dominant; the exact split is an
// implementation choice, tunable per deployment.
func DefaultMatching() Matching {
	return Matching{
		ContentWeight:      0.6,
		SenderWeight:       0.25,
		AttachmentWeight:   0.15,
		RelevanceThreshold: 0.4,
		UnknownSenderTrust: 0.3,
		AllowedExtensions:  []string{".pdf", ".doc", ".docx", ".xls", ".xlsx", ".csv"},
		DegradedPenalty:    0.2,

		MatchThreshold:    0.1,
		RuleFloor:         0.2,
		ExactNameMinWords: 2,
		GeneralTermCount:  5,
		GeneralTermLimit:  10,
		PriorityTermLimit: 500,
		QueryTimeoutSecs:  5,

		FeedbackStep: 0.05,
	}
}

// DefaultLifecycle returns the built-in maintenance policies.
func DefaultLifecycle() Lifecycle {
	return Lifecycle{
		IdleRuleDays:      30,
		IdleRuleDecay:     0.05,
		StaleFeedbackDays: 14,
		VacuumAboveBytes:  512 * 1024 * 1024,
		Schedule:          "0 3 * * *",
	}
}

// DefaultConfigPath returns ~/.matchbox/config.yaml.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".matchbox", "config.yaml")
}

// Options carries CLI overrides into Resolve.
type Options struct {
	ConfigPath string
	CLIDBPath  string
}

// Resolve loads the config file (if present), applies environment and CLI
// overrides, and fills defaults. A missing config file is not an error.
func Resolve(opts Options) (Config, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := Config{
		ConfigPath: path,
		DBPath:     ResolvedValue{Value: "", Source: SourceDefault},
		Matching:   DefaultMatching(),
		Lifecycle:  DefaultLifecycle(),
	}

	cfg, err := loadFile(path)
	if err != nil {
		return out, err
	}
	if cfg != nil {
		if v := strings.TrimSpace(cfg.DBPath); v != "" {
			out.DBPath = ResolvedValue{Value: v, Source: SourceConfig, From: path}
		}
		if cfg.Matching != nil {
			mergeMatching(&out.Matching, cfg.Matching)
		}
		if cfg.Lifecycle != nil {
			mergeLifecycle(&out.Lifecycle, cfg.Lifecycle)
		}
	}

	if v := strings.TrimSpace(os.Getenv("MATCHBOX_DB_PATH")); v != "" {
		out.DBPath = ResolvedValue{Value: v, Source: SourceEnv, From: "MATCHBOX_DB_PATH"}
	}
	if v := strings.TrimSpace(opts.CLIDBPath); v != "" {
		out.DBPath = ResolvedValue{Value: v, Source: SourceCLI}
	}

	if err := validateMatching(out.Matching); err != nil {
		return out, err
	}
	if err := validateLifecycle(out.Lifecycle); err != nil {
		return out, err
	}
	return out, nil
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &fileConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// mergeMatching overlays non-zero file values onto defaults. Zero is never
// a meaningful override for these fields, so zero means "not set".
func mergeMatching(dst, src *Matching) {
	if src.ContentWeight > 0 {
		dst.ContentWeight = src.ContentWeight
	}
	if src.SenderWeight > 0 {
		dst.SenderWeight = src.SenderWeight
	}
	if src.AttachmentWeight > 0 {
		dst.AttachmentWeight = src.AttachmentWeight
	}
	if src.RelevanceThreshold > 0 {
		dst.RelevanceThreshold = src.RelevanceThreshold
	}
	if src.UnknownSenderTrust > 0 {
		dst.UnknownSenderTrust = src.UnknownSenderTrust
	}
	if len(src.AllowedExtensions) > 0 {
		dst.AllowedExtensions = src.AllowedExtensions
	}
	if src.DegradedPenalty > 0 {
		dst.DegradedPenalty = src.DegradedPenalty
	}
	if src.MatchThreshold > 0 {
		dst.MatchThreshold = src.MatchThreshold
	}
	if src.RuleFloor > 0 {
		dst.RuleFloor = src.RuleFloor
	}
	if src.ExactNameMinWords > 0 {
		dst.ExactNameMinWords = src.ExactNameMinWords
	}
	if src.GeneralTermCount > 0 {
		dst.GeneralTermCount = src.GeneralTermCount
	}
	if src.GeneralTermLimit > 0 {
		dst.GeneralTermLimit = src.GeneralTermLimit
	}
	if src.PriorityTermLimit > 0 {
		dst.PriorityTermLimit = src.PriorityTermLimit
	}
	if src.QueryTimeoutSecs > 0 {
		dst.QueryTimeoutSecs = src.QueryTimeoutSecs
	}
	if src.FeedbackStep > 0 {
		dst.FeedbackStep = src.FeedbackStep
	}
}

func mergeLifecycle(dst, src *Lifecycle) {
	if src.IdleRuleDays > 0 {
		dst.IdleRuleDays = src.IdleRuleDays
	}
	if src.IdleRuleDecay > 0 {
		dst.IdleRuleDecay = src.IdleRuleDecay
	}
	if src.StaleFeedbackDays > 0 {
		dst.StaleFeedbackDays = src.StaleFeedbackDays
	}
	if src.VacuumAboveBytes > 0 {
		dst.VacuumAboveBytes = src.VacuumAboveBytes
	}
	if strings.TrimSpace(src.Schedule) != "" {
		dst.Schedule = src.Schedule
	}
}

func validateLifecycle(l Lifecycle) error {
	if l.IdleRuleDecay < 0 || l.IdleRuleDecay > 1 {
		return fmt.Errorf("config: idle_rule_decay must be in [0,1], got %v", l.IdleRuleDecay)
	}
	if l.IdleRuleDays < 1 {
		return fmt.Errorf("config: idle_rule_days must be >= 1")
	}
	return nil
}

func validateMatching(m Matching) error {
	unit := map[string]float64{
		"content_weight":       m.ContentWeight,
		"sender_weight":        m.SenderWeight,
		"attachment_weight":    m.AttachmentWeight,
		"relevance_threshold":  m.RelevanceThreshold,
		"unknown_sender_trust": m.UnknownSenderTrust,
		"degraded_penalty":     m.DegradedPenalty,
		"match_threshold":      m.MatchThreshold,
		"rule_floor":           m.RuleFloor,
		"feedback_step":        m.FeedbackStep,
	}
	for name, v := range unit {
		if v < 0 || v > 1 {
			return fmt.Errorf("config: %s must be in [0,1], got %v", name, v)
		}
	}
	if m.ExactNameMinWords < 1 {
		return fmt.Errorf("config: exact_name_min_words must be >= 1")
	}
	return nil
}
