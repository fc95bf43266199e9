package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ProjectConfig struct {
	Project   string          `yaml:"project"`
	Version   int             `yaml:"version"`
	Database  DatabaseConfig  `yaml:"database"`
	Evidence  EvidenceConfig  `yaml:"evidence"`
	Units     UnitsConfig     `yaml:"units"`
	Gate      GateConfig      `yaml:"gate"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
}

// DatabaseConfig selects the backend by DSN scheme: sqlite://, postgres://,
// badger:// or memory://.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type GateConfig struct {
	Slack         float64    `yaml:"slack"`
	MaxHops       int        `yaml:"max_hops"`
	SoftThreshold float64    `yaml:"soft_threshold"`
	HardThreshold *float64   `yaml:"hard_threshold"`
	Weights       IAGWeights `yaml:"weights"`
}

type IAGWeights struct {
	Utility       float64 `yaml:"utility"`
	Violations    float64 `yaml:"violations"`
	Consistency   float64 `yaml:"consistency"`
	EndAnchor     float64 `yaml:"end_anchor"`
	Risk          float64 `yaml:"risk"`
	Reversibility float64 `yaml:"reversibility"`
}

type SchedulerConfig struct {
	Parallelism   int             `yaml:"parallelism"`
	Weights       PriorityWeights `yaml:"weights"`
	DefaultPolicy PolicyConfig    `yaml:"default_policy"`
	Policies      []PolicyConfig  `yaml:"policies"`
}

type PriorityWeights struct {
	Utility     float64 `yaml:"utility"`
	VOI         float64 `yaml:"voi"`
	CostOfDelay float64 `yaml:"cost_of_delay"`
	RVOI        float64 `yaml:"rvoi"`
	Cost        float64 `yaml:"cost"`
}

type PolicyConfig struct {
	ID      string        `yaml:"id"`
	Retries int           `yaml:"retries"`
	Backoff BackoffConfig `yaml:"backoff"`
	Timeout time.Duration `yaml:"timeout"`
}

type BackoffConfig struct {
	Shape string        `yaml:"shape"`
	Base  time.Duration `yaml:"base"`
	Max   time.Duration `yaml:"max"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var dsnSchemes = []string{"sqlite", "postgres", "postgresql", "badger", "memory"}

func LoadProjectConfig(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	var cfg ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyDefaults(&cfg)
	if err := validateProjectConfig(&cfg); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	return &cfg, nil
}

// Default returns a complete configuration for a new project.
func Default(project string) *ProjectConfig {
	cfg := &ProjectConfig{Project: project, Version: 1}
	applyDefaults(cfg)
	return cfg
}

func (c *ProjectConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func applyDefaults(cfg *ProjectConfig) {
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		cfg.Database.DSN = "sqlite://.evigraph/evigraph.db"
	}

	ind := &cfg.Evidence.Independence
	if ind.Alpha == 0 {
		ind.Alpha = 0.5
	}
	if ind.Floor == 0 {
		ind.Floor = 0.05
	}
	if ind.Window == 0 {
		ind.Window = 24 * time.Hour
	}

	if cfg.Gate.Slack == 0 {
		cfg.Gate.Slack = 0.9
	}
	if cfg.Gate.MaxHops == 0 {
		cfg.Gate.MaxHops = 3
	}
	if cfg.Gate.HardThreshold == nil {
		hard := -0.5
		cfg.Gate.HardThreshold = &hard
	}
	if cfg.Gate.Weights == (IAGWeights{}) {
		cfg.Gate.Weights = IAGWeights{Utility: 1, Violations: 0.25, Consistency: 0.5, EndAnchor: 1, Risk: 0.5, Reversibility: 0.1}
	}

	if cfg.Scheduler.Parallelism == 0 {
		cfg.Scheduler.Parallelism = 4
	}
	if cfg.Scheduler.Weights == (PriorityWeights{}) {
		cfg.Scheduler.Weights = PriorityWeights{Utility: 1, VOI: 1, CostOfDelay: 1, RVOI: 1, Cost: 1}
	}
	def := &cfg.Scheduler.DefaultPolicy
	if *def == (PolicyConfig{}) {
		*def = PolicyConfig{
			Retries: 2,
			Backoff: BackoffConfig{Shape: "exponential", Base: time.Second, Max: time.Minute},
		}
	}
	if def.ID == "" {
		def.ID = "default"
	}
	if def.Timeout == 0 {
		def.Timeout = 5 * time.Minute
	}
	if def.Backoff.Shape == "" {
		def.Backoff.Shape = "constant"
	}
	for i := range cfg.Scheduler.Policies {
		p := &cfg.Scheduler.Policies[i]
		if p.Backoff.Shape == "" {
			p.Backoff.Shape = "constant"
		}
		if p.Timeout == 0 {
			p.Timeout = def.Timeout
		}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func validateProjectConfig(cfg *ProjectConfig) error {
	if strings.TrimSpace(cfg.Project) == "" {
		return fmt.Errorf("project name is required")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported version: %d", cfg.Version)
	}
	if err := validateDSN(cfg.Database.DSN); err != nil {
		return err
	}
	if err := validateEvidence(&cfg.Evidence); err != nil {
		return err
	}
	if err := validateUnits(&cfg.Units); err != nil {
		return err
	}

	g := cfg.Gate
	if g.Slack <= 0 || g.Slack > 1 {
		return fmt.Errorf("gate slack must be in (0,1], got %g", g.Slack)
	}
	if g.MaxHops < 1 {
		return fmt.Errorf("gate max_hops must be at least 1")
	}
	if *g.HardThreshold > g.SoftThreshold {
		return fmt.Errorf("gate hard_threshold %g is above soft_threshold %g", *g.HardThreshold, g.SoftThreshold)
	}

	s := cfg.Scheduler
	if s.Parallelism < 1 {
		return fmt.Errorf("scheduler parallelism must be at least 1")
	}
	if err := validatePolicy(s.DefaultPolicy); err != nil {
		return fmt.Errorf("scheduler default_policy: %w", err)
	}
	seen := map[string]struct{}{strings.ToLower(s.DefaultPolicy.ID): {}}
	for i, p := range s.Policies {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("policy %d id is required", i)
		}
		key := strings.ToLower(p.ID)
		if _, exists := seen[key]; exists {
			return fmt.Errorf("duplicate policy id: %s", p.ID)
		}
		seen[key] = struct{}{}
		if err := validatePolicy(p); err != nil {
			return fmt.Errorf("policy %s: %w", p.ID, err)
		}
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level: %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("unknown log format: %s", cfg.Log.Format)
	}

	return nil
}

func validateDSN(dsn string) error {
	u, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("database dsn: %w", err)
	}
	for _, scheme := range dsnSchemes {
		if u.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("database dsn: unsupported scheme %q", u.Scheme)
}

func validatePolicy(p PolicyConfig) error {
	if p.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	switch p.Backoff.Shape {
	case "constant", "linear", "exponential":
	default:
		return fmt.Errorf("unknown backoff shape: %s", p.Backoff.Shape)
	}
	if p.Backoff.Base < 0 || p.Backoff.Max < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	return nil
}
