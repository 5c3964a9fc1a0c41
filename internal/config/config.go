package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dyluth/opbalance/internal/controller"
	"github.com/dyluth/opbalance/internal/efficiency"
	"github.com/dyluth/opbalance/internal/filelock"
	"github.com/dyluth/opbalance/internal/logging"
	"github.com/dyluth/opbalance/internal/strategy"
	"github.com/dyluth/opbalance/pkg/ledger"
	"github.com/dyluth/opbalance/pkg/proposal"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// RunConfig is the top-level opbalance.yml (or .toml) configuration
type RunConfig struct {
	Version    string         `yaml:"version" toml:"version"`
	Instance   string         `yaml:"instance" toml:"instance"`
	Replicate  string         `yaml:"replicate" toml:"replicate"`
	Replicates []string       `yaml:"replicates,omitempty" toml:"replicates,omitempty"`
	Ledger     LedgerConfig   `yaml:"ledger" toml:"ledger"`
	Strategy   StrategyConfig `yaml:"strategy" toml:"strategy"`
	Chain      ChainConfig    `yaml:"chain" toml:"chain"`
	Groups     []GroupConfig  `yaml:"groups" toml:"groups"`
	Notify     *NotifyConfig  `yaml:"notify,omitempty" toml:"notify,omitempty"`
	Logging    logging.Config `yaml:"logging" toml:"logging"`
}

// LedgerConfig locates the shared ledger and tunes its lock
type LedgerConfig struct {
	Path string     `yaml:"path" toml:"path"`
	Lock LockConfig `yaml:"lock" toml:"lock"`
}

// LockConfig tunes the sentinel lock polling
type LockConfig struct {
	PollInterval time.Duration `yaml:"poll_interval,omitempty" toml:"poll_interval,omitempty"`
	StaleAfter   time.Duration `yaml:"stale_after,omitempty" toml:"stale_after,omitempty"`
}

// StrategyConfig selects and tunes the weight strategy
type StrategyConfig struct {
	Name           string                  `yaml:"name" toml:"name"`
	Seed           uint64                  `yaml:"seed,omitempty" toml:"seed,omitempty"`
	Scale          *float64                `yaml:"scale,omitempty" toml:"scale,omitempty"`
	History        string                  `yaml:"history,omitempty" toml:"history,omitempty"`
	Resume         bool                    `yaml:"resume,omitempty" toml:"resume,omitempty"`
	Explorativity  float64                 `yaml:"explorativity,omitempty" toml:"explorativity,omitempty"`
	Bandwidth      float64                 `yaml:"bandwidth,omitempty" toml:"bandwidth,omitempty"`
	Noise          float64                 `yaml:"noise,omitempty" toml:"noise,omitempty"`
	RandomStarts   int                     `yaml:"random_starts,omitempty" toml:"random_starts,omitempty"`
	SurrogateModel string                  `yaml:"surrogate_model,omitempty" toml:"surrogate_model,omitempty"`
	Features       *strategy.ModelFeatures `yaml:"features,omitempty" toml:"features,omitempty"`
	ExtraFeatures  map[string]float64      `yaml:"extra_features,omitempty" toml:"extra_features,omitempty"`
}

// ChainConfig describes the chain this process drives
type ChainConfig struct {
	Length        int64         `yaml:"length" toml:"length"`
	Cadence       int64         `yaml:"cadence" toml:"cadence"`
	OwnsWeights   bool          `yaml:"owns_weights" toml:"owns_weights"`
	Tempered      bool          `yaml:"tempered,omitempty" toml:"tempered,omitempty"`
	Temperature   float64       `yaml:"temperature,omitempty" toml:"temperature,omitempty"`
	BurnInPercent float64       `yaml:"burn_in_percent,omitempty" toml:"burn_in_percent,omitempty"`
	RuntimeLog    string        `yaml:"runtime_log,omitempty" toml:"runtime_log,omitempty"`
	WaitInterval  time.Duration `yaml:"wait_interval,omitempty" toml:"wait_interval,omitempty"`
	WaitTimeout   time.Duration `yaml:"wait_timeout,omitempty" toml:"wait_timeout,omitempty"`
}

// GroupConfig describes one proposal group
type GroupConfig struct {
	ID                 string   `yaml:"id" toml:"id"`
	Weight             float64  `yaml:"weight,omitempty" toml:"weight,omitempty"`
	Dimension          int      `yaml:"dimension" toml:"dimension"`
	Alpha              *float64 `yaml:"alpha,omitempty" toml:"alpha,omitempty"`
	Metrics            []string `yaml:"metrics,omitempty" toml:"metrics,omitempty"`
	TraceLog           string   `yaml:"trace_log,omitempty" toml:"trace_log,omitempty"`
	Scaling            string   `yaml:"scaling,omitempty" toml:"scaling,omitempty"`
	FixedConcentration float64  `yaml:"fixed_concentration,omitempty" toml:"fixed_concentration,omitempty"`
}

// NotifyConfig enables Redis commit notifications
type NotifyConfig struct {
	RedisURL string `yaml:"redis_url" toml:"redis_url"`
	Name     string `yaml:"name,omitempty" toml:"name,omitempty"`
}

// Validate performs strict validation and fills in defaults
func (c *RunConfig) Validate() error {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path is required")
	}
	if c.Instance == "" {
		return fmt.Errorf("instance is required")
	}
	if c.Replicate == "" {
		c.Replicate = "1"
	}
	if strings.ContainsAny(c.Instance+c.Replicate, "\t\n") {
		return fmt.Errorf("instance and replicate must not contain tabs or newlines")
	}

	if len(c.Groups) == 0 {
		return fmt.Errorf("no groups defined")
	}
	for i := range c.Groups {
		if err := c.Groups[i].Validate(); err != nil {
			return err
		}
	}
	if _, err := c.ProposalGroups(); err != nil {
		return err
	}

	if err := c.Strategy.Validate(); err != nil {
		return err
	}

	if c.Chain.Cadence == 0 {
		c.Chain.Cadence = c.Chain.Length
	}
	if c.Chain.Cadence <= 0 {
		return fmt.Errorf("chain.cadence must be > 0 (or set chain.length)")
	}
	if c.Chain.Length < 0 {
		return fmt.Errorf("chain.length must be >= 0, got %d", c.Chain.Length)
	}
	if c.Chain.BurnInPercent < 0 || c.Chain.BurnInPercent >= 100 {
		return fmt.Errorf("chain.burn_in_percent must be in [0,100), got %v", c.Chain.BurnInPercent)
	}

	if c.Notify != nil && c.Notify.RedisURL == "" {
		return fmt.Errorf("notify.redis_url is required when notify is set")
	}
	if c.Logging.Level == "" && c.Logging.Format == "" && c.Logging.Output == "" {
		c.Logging = logging.DefaultConfig()
	}
	return nil
}

// Validate checks a single group and applies the default alpha of 1
func (g *GroupConfig) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("group id is required")
	}
	if g.Alpha == nil {
		one := 1.0
		g.Alpha = &one
	}
	if g.Weight < 0 || g.Weight > 1 {
		return fmt.Errorf("group '%s': weight must be in [0,1], got %v", g.ID, g.Weight)
	}
	return nil
}

// Validate checks the strategy section and applies defaults
func (s *StrategyConfig) Validate() error {
	if s.Name == "" {
		s.Name = strategy.NameHeuristic
	}
	if s.Scale == nil {
		def := float64(strategy.DefaultScale)
		s.Scale = &def
	}
	switch s.Name {
	case strategy.NameDirichlet:
	case strategy.NameHeuristic:
		if *s.Scale == 0 {
			return fmt.Errorf("strategy.scale must be non-zero")
		}
	case strategy.NameBayesOpt:
		if s.History == "" {
			return fmt.Errorf("strategy.history is required for bayesopt")
		}
		if s.Explorativity < 0 {
			return fmt.Errorf("strategy.explorativity must be >= 0")
		}
	case strategy.NameSurrogate:
		if s.SurrogateModel == "" {
			return fmt.Errorf("strategy.surrogate_model is required for surrogate")
		}
	default:
		return fmt.Errorf("invalid strategy: %s (must be one of %s)", s.Name, strings.Join(strategy.Names(), ", "))
	}
	return nil
}

// Key returns this process's ledger key
func (c *RunConfig) Key() ledger.Key {
	return ledger.Key{Instance: c.Instance, Replicate: c.Replicate}
}

// ProposalGroups builds fresh group descriptors
func (c *RunConfig) ProposalGroups() ([]*proposal.Group, error) {
	groups := make([]*proposal.Group, len(c.Groups))
	for i, g := range c.Groups {
		alpha := 1.0
		if g.Alpha != nil {
			alpha = *g.Alpha
		}
		groups[i] = &proposal.Group{
			ID:                 g.ID,
			Weight:             g.Weight,
			Dimension:          g.Dimension,
			Alpha:              alpha,
			Metrics:            g.Metrics,
			TraceLog:           g.TraceLog,
			Scaling:            proposal.Scaling(g.Scaling),
			FixedConcentration: g.FixedConcentration,
		}
	}
	if err := proposal.ValidateGroups(groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// LockOptions returns the lock tuning for ledger and history locks
func (c *RunConfig) LockOptions(logger zerolog.Logger) filelock.Options {
	return filelock.Options{
		PollInterval: c.Ledger.Lock.PollInterval,
		StaleAfter:   c.Ledger.Lock.StaleAfter,
		Logger:       logger,
	}
}

// StrategyOptions returns the options for strategy.New
func (c *RunConfig) StrategyOptions(groups []*proposal.Group, logger zerolog.Logger) strategy.Options {
	opts := strategy.Options{
		Seed: c.Strategy.Seed,
		BayesOpt: strategy.BayesOptOptions{
			HistoryPath:   c.Strategy.History,
			Resume:        c.Strategy.Resume,
			Explorativity: c.Strategy.Explorativity,
			Bandwidth:     c.Strategy.Bandwidth,
			Noise:         c.Strategy.Noise,
			RandomStarts:  c.Strategy.RandomStarts,
			Lock:          c.LockOptions(logger.With().Str("component", "filelock").Logger()),
		},
		SurrogatePath: c.Strategy.SurrogateModel,
	}
	if c.Strategy.Scale != nil {
		opts.Scale = *c.Strategy.Scale
	}
	if c.Strategy.Features != nil || len(c.Strategy.ExtraFeatures) > 0 {
		features := strategy.Features{}
		if c.Strategy.Features != nil {
			features = c.Strategy.Features.Features(groups)
		}
		for k, v := range c.Strategy.ExtraFeatures {
			features[k] = v
		}
		opts.Features = features
	}
	return opts
}

// ControllerOptions returns controller options without store, strategy and
// clock, which the caller wires
func (c *RunConfig) ControllerOptions(logger zerolog.Logger) controller.Options {
	return controller.Options{
		Key:          c.Key(),
		Replicates:   c.Replicates,
		OwnsWeights:  c.Chain.OwnsWeights,
		Role:         controller.RoleForChain(c.Chain.Tempered, c.Chain.Temperature),
		Cadence:      c.Chain.Cadence,
		ChainLength:  c.Chain.Length,
		WaitInterval: c.Chain.WaitInterval,
		WaitTimeout:  c.Chain.WaitTimeout,
		Efficiency: efficiency.Options{
			BurnInPercent: c.Chain.BurnInPercent,
			RuntimeLog:    c.Chain.RuntimeLog,
		},
		Logger: logger,
	}
}

// Load reads and validates a run configuration. The format follows the
// file extension: .yml/.yaml or .toml
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config RunConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (use .yml, .yaml or .toml)", filepath.Ext(path))
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	config.resolvePaths(filepath.Dir(path))

	return &config, nil
}

// resolvePaths makes relative file paths relative to the config's directory
func (c *RunConfig) resolvePaths(dir string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	resolve(&c.Ledger.Path)
	resolve(&c.Strategy.History)
	resolve(&c.Strategy.SurrogateModel)
	resolve(&c.Chain.RuntimeLog)
	resolve(&c.Logging.FilePath)
	for i := range c.Groups {
		resolve(&c.Groups[i].TraceLog)
	}
}
