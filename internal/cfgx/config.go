// Package cfgx provides the engine's hierarchical, live-reloadable
// configuration, per spec.md §6.4: resolution order is (1) symbol+side
// override, (2) symbol override, (3) global, (4) compile-time default.
package cfgx

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// RiskLimits are the pre-trade limits spec.md §4.2/§6.4 names.
type RiskLimits struct {
	MaxPositionSizePct      float64 `mapstructure:"max_position_size_pct"`
	MaxPortfolioExposurePct float64 `mapstructure:"max_portfolio_exposure_pct"`
	MaxDailyLossPct         float64 `mapstructure:"max_daily_loss_pct"`
	MaxDailyTrades          int     `mapstructure:"max_daily_trades"`
	MaxConcurrentPositions  int     `mapstructure:"max_concurrent_positions"`
	MaxPositionSizeUSD      float64 `mapstructure:"max_position_size_usd"`
	MinPositionSizeUSD      float64 `mapstructure:"min_position_size_usd"`
}

// SignalConfig is the §6.4 "signal" parameter group.
type SignalConfig struct {
	MinConfidenceThreshold          float64 `mapstructure:"min_confidence_threshold"`
	MaxSignalAgeSeconds             int     `mapstructure:"max_signal_age_seconds"`
	SignalConflictResolution        string  `mapstructure:"signal_conflict_resolution"`
	SameDirectionConflictResolution string  `mapstructure:"same_direction_conflict_resolution"`
}

// ModeConfig is the §6.4 "mode" parameter group.
type ModeConfig struct {
	PositionMode             string `mapstructure:"position_mode"`
	PositionModeAwareConflicts bool `mapstructure:"position_mode_aware_conflicts"`
}

// WeightsConfig is the §6.4 "weights" parameter group.
type WeightsConfig struct {
	StrategyWeights  map[string]float64 `mapstructure:"strategy_weights"`
	TimeframeWeights map[string]float64 `mapstructure:"timeframe_weights"`
}

// ExecutionConfig is the §6.4 "execution" parameter group.
type ExecutionConfig struct {
	DefaultOrderType       string        `mapstructure:"default_order_type"`
	TimeInForce            string        `mapstructure:"time_in_force"`
	Leverage               int           `mapstructure:"leverage"`
	MarginType             string        `mapstructure:"margin_type"`
	SlippageTolerancePct   float64       `mapstructure:"slippage_tolerance_pct"`
	MaxRetries             int           `mapstructure:"max_retries"`
	RetryDelay             time.Duration `mapstructure:"retry_delay"`
	RetryBackoffMultiplier float64       `mapstructure:"retry_backoff_multiplier"`
	RequestTimeout         time.Duration `mapstructure:"request_timeout"`
}

// SizingConfig is the §6.4 "sizing" parameter group.
type SizingConfig struct {
	QuantityMultiplier float64 `mapstructure:"quantity_multiplier"`
	UseExchangeMinimums bool   `mapstructure:"use_exchange_minimums"`
	OverrideMinNotional float64 `mapstructure:"override_min_notional"`
	OverrideMinQty      float64 `mapstructure:"override_min_qty"`
	OverrideStepSize    float64 `mapstructure:"override_step_size"`
}

// Switches is the §6.4 "switches" parameter group.
type Switches struct {
	Enabled               bool `mapstructure:"enabled"`
	EnableLongs           bool `mapstructure:"enable_longs"`
	EnableShorts          bool `mapstructure:"enable_shorts"`
	RiskManagementEnabled bool `mapstructure:"risk_management_enabled"`
	SimulationEnabled     bool `mapstructure:"simulation_enabled"`
}

// OcoConfig governs the OCO monitor loop interval, not named in §6.4's
// minimal list but required by §4.4.
type OcoConfig struct {
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
}

// LockConfig governs the distributed lock, required by §5.
type LockConfig struct {
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
}

// Config is the full compile-time default shape; symbol and symbol+side
// overrides are sparse and merge on top of this at resolution time.
type Config struct {
	Risk      RiskLimits      `mapstructure:"risk"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Mode      ModeConfig      `mapstructure:"mode"`
	Weights   WeightsConfig   `mapstructure:"weights"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Sizing    SizingConfig    `mapstructure:"sizing"`
	Switches  Switches        `mapstructure:"switches"`
	Oco       OcoConfig       `mapstructure:"oco"`
	Lock      LockConfig      `mapstructure:"lock"`
}

// Default returns the compile-time defaults, the fourth and last
// resolution tier of §6.4.
func Default() Config {
	return Config{
		Risk: RiskLimits{
			MaxPositionSizePct:      0.10,
			MaxPortfolioExposurePct: 0.50,
			MaxDailyLossPct:         0.05,
			MaxDailyTrades:          50,
			MaxConcurrentPositions:  10,
			MaxPositionSizeUSD:      10000,
			MinPositionSizeUSD:      10,
		},
		Signal: SignalConfig{
			MinConfidenceThreshold:          0.6,
			MaxSignalAgeSeconds:             300,
			SignalConflictResolution:        "strongest_wins",
			SameDirectionConflictResolution: "accumulate",
		},
		Mode: ModeConfig{
			PositionMode:               "hedge",
			PositionModeAwareConflicts: true,
		},
		Weights: WeightsConfig{
			StrategyWeights:  map[string]float64{},
			TimeframeWeights: map[string]float64{},
		},
		Execution: ExecutionConfig{
			DefaultOrderType:       "limit",
			TimeInForce:            "GTC",
			Leverage:               5,
			MarginType:             "isolated",
			SlippageTolerancePct:   0.001,
			MaxRetries:             3,
			RetryDelay:             time.Second,
			RetryBackoffMultiplier: 2.0,
			RequestTimeout:         5 * time.Second,
		},
		Sizing: SizingConfig{
			QuantityMultiplier:  1.0,
			UseExchangeMinimums: true,
		},
		Switches: Switches{
			Enabled:               true,
			EnableLongs:           true,
			EnableShorts:          true,
			RiskManagementEnabled: true,
			SimulationEnabled:     false,
		},
		Oco: OcoConfig{
			MonitorInterval: 2 * time.Second,
		},
		Lock: LockConfig{
			AcquireTimeout: 300 * time.Millisecond,
			LeaseTTL:       10 * time.Second,
		},
	}
}

// ParamSchema documents one configuration parameter, per §6.4's "every
// parameter carries a schema entry with name, type, range, default, impact".
type ParamSchema struct {
	Name    string
	Type    string
	Range   string
	Default string
	Impact  string
}

// Schema is the registry of every parameter's documentation. It is
// informational (surfaced by the config CRUD API, out of this core's
// scope) rather than enforced here.
var Schema = []ParamSchema{
	{"risk.max_position_size_pct", "float", "(0,1]", "0.10", "caps single-symbol notional as a fraction of portfolio"},
	{"risk.max_portfolio_exposure_pct", "float", "(0,1]", "0.50", "caps summed open-position notional"},
	{"risk.max_daily_loss_pct", "float", "(0,1]", "0.05", "halts trading once the UTC day's realized loss exceeds this"},
	{"signal.min_confidence_threshold", "float", "[0,1]", "0.6", "deterministic-mode admission gate"},
	{"signal.max_signal_age_seconds", "int", ">0", "300", "signals older than this are marked expired"},
	{"mode.position_mode", "enum", "hedge|one_way", "hedge", "changes conflict semantics and order params"},
}

// Store resolves hierarchical config with a short-TTL cache, invalidated on
// write or file change, per §6.4.
type Store struct {
	logger *zap.Logger
	v      *viper.Viper

	mu              sync.RWMutex
	global          Config
	symbolOverrides map[string]map[string]any // symbol -> partial fields
	sideOverrides   map[string]map[string]any // "symbol:side" -> partial fields

	cacheTTL time.Duration
	cached   map[string]cachedEntry
	version  int

	// OnChange fires after every override write, carrying the audit fields
	// §6.4 requires: changed_by, reason, before/after, version.
	OnChange func(changedBy, reason string, before, after map[string]any, version int)
}

type cachedEntry struct {
	cfg       Config
	expiresAt time.Time
}

// NewStore loads configPath (if non-empty) via viper and watches it for
// live reload with fsnotify.
func NewStore(logger *zap.Logger, configPath string, cacheTTL time.Duration) (*Store, error) {
	v := viper.New()
	s := &Store{
		logger:          logger.Named("cfgx"),
		v:               v,
		global:          Default(),
		symbolOverrides: map[string]map[string]any{},
		sideOverrides:   map[string]map[string]any{},
		cacheTTL:        cacheTTL,
		cached:          map[string]cachedEntry{},
	}

	if configPath == "" {
		return s, nil
	}

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("cfgx: reading config: %w", err)
	}
	if err := v.Unmarshal(&s.global); err != nil {
		return nil, fmt.Errorf("cfgx: unmarshalling config: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var reloaded Config
		if err := v.Unmarshal(&reloaded); err != nil {
			s.logger.Warn("config reload failed, keeping previous", zap.Error(err))
			return
		}
		s.global = reloaded
		s.cached = map[string]cachedEntry{}
		s.logger.Info("configuration reloaded", zap.String("path", configPath))
	})
	v.WatchConfig()

	return s, nil
}

// Resolve returns the effective Config for (symbol, side), applying the
// §6.4 four-tier precedence and the TTL cache.
func (s *Store) Resolve(symbol string, side string) Config {
	key := symbol + ":" + side

	s.mu.RLock()
	if entry, ok := s.cached[key]; ok && time.Now().Before(entry.expiresAt) {
		s.mu.RUnlock()
		return entry.cfg
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.global
	if sym, ok := s.symbolOverrides[symbol]; ok {
		applyOverrides(&cfg, sym)
	}
	if sd, ok := s.sideOverrides[key]; ok {
		applyOverrides(&cfg, sd)
	}

	s.cached[key] = cachedEntry{cfg: cfg, expiresAt: time.Now().Add(s.cacheTTL)}
	return cfg
}

// SetSymbolOverride installs a partial override for a symbol, invalidating
// the cache for every side of that symbol and emitting a config-change
// audit row via OnChange, per §6.4.
func (s *Store) SetSymbolOverride(symbol, changedBy, reason string, fields map[string]any) {
	s.mu.Lock()
	before := s.symbolOverrides[symbol]
	s.symbolOverrides[symbol] = fields
	s.invalidatePrefix(symbol)
	s.version++
	version := s.version
	onChange := s.OnChange
	s.mu.Unlock()

	if onChange != nil {
		onChange(changedBy, reason, anyMap(before), fields, version)
	}
}

// SetSideOverride installs a partial override for (symbol, side).
func (s *Store) SetSideOverride(symbol, side, changedBy, reason string, fields map[string]any) {
	key := symbol + ":" + side
	s.mu.Lock()
	before := s.sideOverrides[key]
	s.sideOverrides[key] = fields
	delete(s.cached, key)
	s.version++
	version := s.version
	onChange := s.OnChange
	s.mu.Unlock()

	if onChange != nil {
		onChange(changedBy, reason, anyMap(before), fields, version)
	}
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func (s *Store) invalidatePrefix(symbol string) {
	for k := range s.cached {
		if len(k) >= len(symbol) && k[:len(symbol)] == symbol {
			delete(s.cached, k)
		}
	}
}

// applyOverrides mutates cfg in place for the small set of fields the
// dispatcher/aggregator/riskguard actually override per-symbol; a fuller
// config CRUD surface (out of this core's scope) would generalize this
// with reflection, but the explicit list keeps it type-safe here.
func applyOverrides(cfg *Config, fields map[string]any) {
	if v, ok := fields["risk.max_position_size_pct"].(float64); ok {
		cfg.Risk.MaxPositionSizePct = v
	}
	if v, ok := fields["risk.max_position_size_usd"].(float64); ok {
		cfg.Risk.MaxPositionSizeUSD = v
	}
	if v, ok := fields["signal.min_confidence_threshold"].(float64); ok {
		cfg.Signal.MinConfidenceThreshold = v
	}
	if v, ok := fields["mode.position_mode"].(string); ok {
		cfg.Mode.PositionMode = v
	}
	if v, ok := fields["execution.leverage"].(int); ok {
		cfg.Execution.Leverage = v
	}
}
