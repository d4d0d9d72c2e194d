// Package config loads the loop configuration from a YAML file.
//
// Configuration is read once at startup and treated as immutable for the
// lifetime of a running loop instance. Changing it requires a restart,
// never hot mutation mid-cycle.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "100ms" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Loop configures the orchestrator cadence and per-phase budgets.
type Loop struct {
	Interval        Duration `yaml:"interval"`
	SenseTimeout    Duration `yaml:"sense_timeout"`
	AnalyzeTimeout  Duration `yaml:"analyze_timeout"`
	FeedbackTimeout Duration `yaml:"feedback_timeout"`
	LockWait        Duration `yaml:"lock_wait"`
}

// Intake configures the bounded reading queue between adapter pushes and
// the sense phase.
type Intake struct {
	Capacity int    `yaml:"capacity"`
	Overflow string `yaml:"overflow"` // "drop_oldest" | "block"
}

// Sense configures the normalizer.
type Sense struct {
	MaxReadingAge Duration `yaml:"max_reading_age"`
}

// Analyze configures the detection pipelines.
type Analyze struct {
	PeriodThreshold    float64 `yaml:"period_threshold"`    // dominant-frequency power ratio
	TrendR2Threshold   float64 `yaml:"trend_r2_threshold"`  // R² above which a trend pattern fires
	ZScoreThreshold    float64 `yaml:"zscore_threshold"`    // statistical anomaly cutoff
	BaselineWindow     int     `yaml:"baseline_window"`     // rolling samples per source
	DefaultModelBudget Duration `yaml:"default_model_budget"`
}

// Safety configures the dynamic hazard gate.
type Safety struct {
	RiskThreshold float64 `yaml:"risk_threshold"` // probability × severity cutoff
}

// Control configures the feedback controller.
type Control struct {
	PredictionConfidence float64  `yaml:"prediction_confidence"` // preventive-action floor
	ActionDeadline       Duration `yaml:"action_deadline"`
	MaxBatch             int      `yaml:"max_batch"`
}

// Learn configures the adaptation engine.
type Learn struct {
	HistorySize       int      `yaml:"history_size"`
	AccuracyThreshold float64  `yaml:"accuracy_threshold"`
	DriftThreshold    float64  `yaml:"drift_threshold"` // Welch statistic cutoff
	Epsilon           float64  `yaml:"epsilon"`         // explore rate
	AttributionLag    int      `yaml:"attribution_lag"` // cycles before credit assignment
	QueueCapacity     int      `yaml:"queue_capacity"`
}

// Twin configures the synchronizer.
type Twin struct {
	SyncInterval        Duration `yaml:"sync_interval"`
	Strategy            string   `yaml:"strategy"` // "device_wins" | "twin_wins"
	DivergenceThreshold float64  `yaml:"divergence_threshold"`
	MaxDivergenceWindow int      `yaml:"max_divergence_window"`
	LookaheadHorizon    Duration `yaml:"lookahead_horizon"` // projection depth per cycle
	LookaheadStep       Duration `yaml:"lookahead_step"`    // physics step within a projection
}

// Store configures the audit/health database.
type Store struct {
	Path string `yaml:"path"`
}

// Config is the full immutable configuration surface.
type Config struct {
	Loop    Loop    `yaml:"loop"`
	Intake  Intake  `yaml:"intake"`
	Sense   Sense   `yaml:"sense"`
	Analyze Analyze `yaml:"analyze"`
	Safety  Safety  `yaml:"safety"`
	Control Control `yaml:"control"`
	Learn   Learn   `yaml:"learn"`
	Twin    Twin    `yaml:"twin"`
	Store   Store   `yaml:"store"`
}

// Default returns the configuration used when fields are omitted.
func Default() Config {
	return Config{
		Loop: Loop{
			Interval:        Duration(100 * time.Millisecond),
			SenseTimeout:    Duration(30 * time.Millisecond),
			AnalyzeTimeout:  Duration(40 * time.Millisecond),
			FeedbackTimeout: Duration(25 * time.Millisecond),
			LockWait:        Duration(10 * time.Millisecond),
		},
		Intake: Intake{
			Capacity: 1024,
			Overflow: "drop_oldest",
		},
		Sense: Sense{
			MaxReadingAge: Duration(5 * time.Second),
		},
		Analyze: Analyze{
			PeriodThreshold:    0.4,
			TrendR2Threshold:   0.8,
			ZScoreThreshold:    3.0,
			BaselineWindow:     64,
			DefaultModelBudget: Duration(10 * time.Millisecond),
		},
		Safety: Safety{
			RiskThreshold: 0.25,
		},
		Control: Control{
			PredictionConfidence: 0.8,
			ActionDeadline:       Duration(500 * time.Millisecond),
			MaxBatch:             8,
		},
		Learn: Learn{
			HistorySize:       256,
			AccuracyThreshold: 0.7,
			DriftThreshold:    2.0,
			Epsilon:           0.1,
			AttributionLag:    3,
			QueueCapacity:     64,
		},
		Twin: Twin{
			SyncInterval:        Duration(250 * time.Millisecond),
			Strategy:            "device_wins",
			DivergenceThreshold: 0.05,
			MaxDivergenceWindow: 10,
			LookaheadHorizon:    Duration(2 * time.Second),
			LookaheadStep:       Duration(500 * time.Millisecond),
		},
		Store: Store{
			Path: "safla.db",
		},
	}
}

// Load reads and validates a YAML config file. Missing fields keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot drive a healthy loop.
func (c Config) Validate() error {
	if c.Loop.Interval.Std() <= 0 {
		return fmt.Errorf("loop.interval must be positive")
	}
	phaseBudget := c.Loop.SenseTimeout.Std() + c.Loop.AnalyzeTimeout.Std() + c.Loop.FeedbackTimeout.Std()
	if phaseBudget > c.Loop.Interval.Std() {
		return fmt.Errorf("phase timeouts (%v) exceed loop interval (%v)", phaseBudget, c.Loop.Interval.Std())
	}
	if c.Intake.Capacity <= 0 {
		return fmt.Errorf("intake.capacity must be positive")
	}
	if c.Intake.Overflow != "drop_oldest" && c.Intake.Overflow != "block" {
		return fmt.Errorf("intake.overflow must be drop_oldest or block, got %q", c.Intake.Overflow)
	}
	if c.Safety.RiskThreshold <= 0 || c.Safety.RiskThreshold > 1 {
		return fmt.Errorf("safety.risk_threshold must be in (0,1]")
	}
	if c.Learn.Epsilon < 0 || c.Learn.Epsilon > 1 {
		return fmt.Errorf("learn.epsilon must be in [0,1]")
	}
	if c.Learn.HistorySize <= 0 {
		return fmt.Errorf("learn.history_size must be positive")
	}
	if c.Twin.Strategy != "device_wins" && c.Twin.Strategy != "twin_wins" {
		return fmt.Errorf("twin.strategy must be device_wins or twin_wins, got %q", c.Twin.Strategy)
	}
	if c.Twin.MaxDivergenceWindow <= 0 {
		return fmt.Errorf("twin.max_divergence_window must be positive")
	}
	if c.Twin.LookaheadHorizon.Std() > 0 && c.Twin.LookaheadStep.Std() <= 0 {
		return fmt.Errorf("twin.lookahead_step must be positive when lookahead_horizon is set")
	}
	if c.Analyze.BaselineWindow < 8 {
		return fmt.Errorf("analyze.baseline_window must be at least 8")
	}
	return nil
}
