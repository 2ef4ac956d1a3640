package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"riskguard/pkg/crypto"
)

// Config содержит всю конфигурацию приложения
//
// Источники (по возрастанию приоритета):
//  1. значения по умолчанию
//  2. переменные окружения (.env подгружается в cmd/server)
//  3. YAML-файл политики движков (ENGINE_POLICY_FILE), только секции
//     engine/trailing/milestone/rescue
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Security      SecurityConfig
	Exchange      ExchangeConfig
	Store         StoreConfig
	MarketContext MarketContextConfig
	Engine        EngineConfig
	Trailing      TrailingConfig
	Milestone     MilestoneConfig
	Rescue        RescueConfig
	Logging       LoggingConfig
}

// ServerConfig - настройки HTTP сервера (health, metrics, ws, state API)
type ServerConfig struct {
	Port           int
	Host           string
	AllowedOrigins []string // Origin для /ws/stream; пусто = любые
}

// DatabaseConfig - настройки SQL хранилища (журнал сделок, события, TpState)
type DatabaseConfig struct {
	Driver     string // postgres, sqlite
	Host       string
	Port       int
	Name       string
	User       string
	Password   string
	SSLMode    string
	SQLitePath string

	EventRetention time.Duration // события старше удаляются периодически; 0 = хранить всё
}

// SecurityConfig - настройки безопасности API
type SecurityConfig struct {
	APITokenHash  string // bcrypt-хеш bearer-токена; пусто = API без авторизации
	EncryptionKey string // 32 байта AES-256 для значений enc:<base64>
}

// ExchangeConfig - подключение к бирже
type ExchangeConfig struct {
	Mode      string // paper, binance
	APIKey    string
	SecretKey string
	Testnet   bool

	// Лимиты запросов (weight/сек)
	OrderRate  float64
	MarketRate float64
	RiskRate   float64
}

// StoreConfig - где хранится состояние движков (TpState, снимки milestone)
type StoreConfig struct {
	Backend        string // sql, badger, memory
	BadgerPath     string
	BadgerInMemory bool
}

// MarketContextConfig - источник rails и TA
type MarketContextConfig struct {
	Source   string // klines, http, none
	URL      string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// EngineConfig - общие параметры движков
type EngineConfig struct {
	RefreshInterval        time.Duration `yaml:"refresh_interval"`         // период опроса позиций и тика milestone/rescue
	CloseLockTTL           time.Duration `yaml:"close_lock_ttl"`           // окно блокировки контракта после отправки
	EventThrottle          time.Duration `yaml:"event_throttle"`           // минимальный интервал одинаковых событий
	CallTimeout            time.Duration `yaml:"call_timeout"`             // таймаут исходящего вызова (5-15s)
	NumShards              int           `yaml:"num_shards"`               // воркеры по символам
	EventBuffer            int           `yaml:"event_buffer"`             // буфер очереди событий
	StateBroadcastInterval time.Duration `yaml:"state_broadcast_interval"` // период рассылки состояния в WS
}

// TrailingConfig - ROI trailing монитор
type TrailingConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	TP1ROI      float64       `yaml:"tp1_roi"`      // ROI (%) для TP1
	TP1Fraction float64       `yaml:"tp1_fraction"` // доля текущего объёма на TP1
	GiveBack    float64       `yaml:"give_back"`    // доля пика, которую разрешено отдать
	MaxParallel int           `yaml:"max_parallel"` // параллельных сделок за цикл
}

// MilestoneConfig - частичная фиксация по ступеням ROI и reentry
type MilestoneConfig struct {
	Enabled           bool    `yaml:"enabled"`
	StepROI           float64 `yaml:"step_roi"`
	MaxSteps          int     `yaml:"max_steps"`
	TakeFraction      float64 `yaml:"take_fraction"` // доля ИСХОДНОГО объёма на ступень
	TrailDropPct      float64 `yaml:"trail_drop_pct"`
	MinExitConfidence float64 `yaml:"min_exit_confidence"`

	ReentryEnabled bool          `yaml:"reentry_enabled"`
	BudgetFraction float64       `yaml:"budget_fraction"`
	DustUSD        float64       `yaml:"dust_usd"`
	ReclaimBps     float64       `yaml:"reclaim_bps"`
	ReentryTTL     time.Duration `yaml:"reentry_ttl"`
}

// RescueConfig - управление просадкой
type RescueConfig struct {
	Enabled bool `yaml:"enabled"`

	HardCutDanger      float64 `yaml:"hard_cut_danger"`
	EscapeDanger       float64 `yaml:"escape_danger"`
	EscapeMaxMomentum  float64 `yaml:"escape_max_momentum"`
	EscapeMaxStructure float64 `yaml:"escape_max_structure"`
	EscapeTrimMin      float64 `yaml:"escape_trim_min"`
	EscapeTrimMax      float64 `yaml:"escape_trim_max"`

	DCAMinMomentum  float64 `yaml:"dca_min_momentum"`
	DCAMinStructure float64 `yaml:"dca_min_structure"`
	DCAFraction     float64 `yaml:"dca_fraction"`     // доля исходного notional на одну докупку
	DCAMaxMultiple  float64 `yaml:"dca_max_multiple"` // предел суммарного notional к исходному
	DCAMinUSD       float64 `yaml:"dca_min_usd"`

	TimeTrimAfter    time.Duration `yaml:"time_trim_after"`
	TimeTrimFraction float64       `yaml:"time_trim_fraction"`
	ActionCooldown   time.Duration `yaml:"action_cooldown"`

	AdversePctPerPoint    float64 `yaml:"adverse_pct_per_point"`
	StructureProximityPct float64 `yaml:"structure_proximity_pct"`
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load загружает конфигурацию из переменных окружения и файла политики
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvAsInt("SERVER_PORT", 8080),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),

			AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", "sqlite"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnvAsInt("DB_PORT", 5432),
			Name:       getEnv("DB_NAME", "riskguard"),
			User:       getEnv("DB_USER", "riskguard"),
			Password:   getEnv("DB_PASSWORD", ""),
			SSLMode:    getEnv("DB_SSL_MODE", "disable"),
			SQLitePath: getEnv("SQLITE_PATH", "data/riskguard.db"),

			EventRetention: getEnvAsDuration("EVENT_RETENTION", 7*24*time.Hour),
		},
		Security: SecurityConfig{
			APITokenHash:  getEnv("API_TOKEN_HASH", ""),
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		},
		Exchange: ExchangeConfig{
			Mode:       strings.ToLower(getEnv("EXCHANGE_MODE", "paper")),
			APIKey:     getEnv("BINANCE_API_KEY", ""),
			SecretKey:  getEnv("BINANCE_SECRET_KEY", ""),
			Testnet:    getEnvAsBool("BINANCE_TESTNET", false),
			OrderRate:  getEnvAsFloat("EXCHANGE_ORDER_RATE", 5),
			MarketRate: getEnvAsFloat("EXCHANGE_MARKET_RATE", 20),
			RiskRate:   getEnvAsFloat("EXCHANGE_RISK_RATE", 10),
		},
		Store: StoreConfig{
			Backend:        strings.ToLower(getEnv("STATE_BACKEND", "sql")),
			BadgerPath:     getEnv("BADGER_PATH", "data/badger"),
			BadgerInMemory: getEnvAsBool("BADGER_IN_MEMORY", false),
		},
		MarketContext: MarketContextConfig{
			Source:   strings.ToLower(getEnv("MARKET_CONTEXT_SOURCE", "klines")),
			URL:      getEnv("MARKET_CONTEXT_URL", ""),
			Timeout:  getEnvAsDuration("MARKET_CONTEXT_TIMEOUT", 5*time.Second),
			CacheTTL: getEnvAsDuration("MARKET_CONTEXT_CACHE_TTL", 30*time.Second),
		},
		Engine:    engineFromEnv(DefaultEngineConfig()),
		Trailing:  DefaultTrailingConfig(),
		Milestone: DefaultMilestoneConfig(),
		Rescue:    DefaultRescueConfig(),
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stderr"),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvAsInt("LOG_MAX_AGE_DAYS", 14),
		},
	}

	// Переопределения из окружения для самых частых ручек
	cfg.Trailing.Enabled = getEnvAsBool("TRAILING_ENABLED", cfg.Trailing.Enabled)
	cfg.Trailing.Interval = getEnvAsDuration("TRAILING_INTERVAL", cfg.Trailing.Interval)
	cfg.Milestone.Enabled = getEnvAsBool("MILESTONE_ENABLED", cfg.Milestone.Enabled)
	cfg.Milestone.ReentryEnabled = getEnvAsBool("REENTRY_ENABLED", cfg.Milestone.ReentryEnabled)
	cfg.Rescue.Enabled = getEnvAsBool("RESCUE_ENABLED", cfg.Rescue.Enabled)

	if path := getEnv("ENGINE_POLICY_FILE", ""); path != "" {
		if err := cfg.applyPolicyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultEngineConfig - параметры движков по умолчанию
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RefreshInterval:        1 * time.Second,
		CloseLockTTL:           2500 * time.Millisecond,
		EventThrottle:          2500 * time.Millisecond,
		CallTimeout:            10 * time.Second,
		NumShards:              8,
		EventBuffer:            1024,
		StateBroadcastInterval: 5 * time.Second,
	}
}

func engineFromEnv(d EngineConfig) EngineConfig {
	return EngineConfig{
		RefreshInterval:        getEnvAsDuration("REFRESH_INTERVAL", d.RefreshInterval),
		CloseLockTTL:           getEnvAsDuration("CLOSE_LOCK_TTL", d.CloseLockTTL),
		EventThrottle:          getEnvAsDuration("EVENT_THROTTLE", d.EventThrottle),
		CallTimeout:            getEnvAsDuration("CALL_TIMEOUT", d.CallTimeout),
		NumShards:              getEnvAsInt("ENGINE_SHARDS", d.NumShards),
		EventBuffer:            getEnvAsInt("EVENT_BUFFER", d.EventBuffer),
		StateBroadcastInterval: getEnvAsDuration("STATE_BROADCAST_INTERVAL", d.StateBroadcastInterval),
	}
}

// DefaultTrailingConfig - TP1 40% на +100% ROI, отдача 25% пика, опрос 3s
func DefaultTrailingConfig() TrailingConfig {
	return TrailingConfig{
		Enabled:     true,
		Interval:    3 * time.Second,
		TP1ROI:      100,
		TP1Fraction: 0.40,
		GiveBack:    0.25,
		MaxParallel: 8,
	}
}

// DefaultMilestoneConfig - 25% исходного объёма на каждые +50% ROI, до 8 ступеней
func DefaultMilestoneConfig() MilestoneConfig {
	return MilestoneConfig{
		Enabled:           true,
		StepROI:           50,
		MaxSteps:          8,
		TakeFraction:      0.25,
		TrailDropPct:      0.02,
		MinExitConfidence: 60,
		ReentryEnabled:    true,
		BudgetFraction:    1.0,
		DustUSD:           5,
		ReclaimBps:        25,
		ReentryTTL:        2 * time.Hour,
	}
}

// DefaultRescueConfig - пороги решений rescue менеджера
func DefaultRescueConfig() RescueConfig {
	return RescueConfig{
		Enabled:               true,
		HardCutDanger:         85,
		EscapeDanger:          65,
		EscapeMaxMomentum:     55,
		EscapeMaxStructure:    55,
		EscapeTrimMin:         0.35,
		EscapeTrimMax:         0.55,
		DCAMinMomentum:        70,
		DCAMinStructure:       65,
		DCAFraction:           0.5,
		DCAMaxMultiple:        2.0,
		DCAMinUSD:             5,
		TimeTrimAfter:         5 * time.Minute,
		TimeTrimFraction:      0.25,
		ActionCooldown:        30 * time.Second,
		AdversePctPerPoint:    1.2,
		StructureProximityPct: 0.4,
	}
}

// policyFile - секции, которые можно переопределить из YAML
type policyFile struct {
	Engine    *EngineConfig    `yaml:"engine"`
	Trailing  *TrailingConfig  `yaml:"trailing"`
	Milestone *MilestoneConfig `yaml:"milestone"`
	Rescue    *RescueConfig    `yaml:"rescue"`
}

// applyPolicyFile накладывает YAML поверх текущих значений.
// Отсутствующие в файле поля сохраняют прежние значения.
func (c *Config) applyPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file %s: %w", path, err)
	}
	return c.ApplyPolicy(data)
}

// ApplyPolicy накладывает YAML документ политики на конфигурацию
func (c *Config) ApplyPolicy(data []byte) error {
	p := policyFile{
		Engine:    &c.Engine,
		Trailing:  &c.Trailing,
		Milestone: &c.Milestone,
		Rescue:    &c.Rescue,
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse policy: %w", err)
	}
	return nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	switch c.Exchange.Mode {
	case "paper":
	case "binance":
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
			return fmt.Errorf("BINANCE_API_KEY and BINANCE_SECRET_KEY are required for EXCHANGE_MODE=binance")
		}
		if err := c.openSecrets(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("EXCHANGE_MODE must be paper or binance, got %q", c.Exchange.Mode)
	}

	if h := c.Security.APITokenHash; h != "" && !strings.HasPrefix(h, "$2") {
		return fmt.Errorf("API_TOKEN_HASH must be a bcrypt hash")
	}

	return nil
}

// openSecrets расшифровывает ключи биржи, заданные как enc:<base64>
func (c *Config) openSecrets() error {
	for name, v := range map[string]*string{
		"BINANCE_API_KEY":    &c.Exchange.APIKey,
		"BINANCE_SECRET_KEY": &c.Exchange.SecretKey,
	} {
		if !strings.HasPrefix(*v, crypto.SecretPrefix) {
			continue
		}
		if c.Security.EncryptionKey == "" {
			return fmt.Errorf("%s is encrypted but ENCRYPTION_KEY is not set", name)
		}
		plain, err := crypto.OpenSecret(*v, c.Security.EncryptionKey)
		if err != nil {
			return fmt.Errorf("decrypt %s: %w", name, err)
		}
		*v = plain
	}
	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for DB_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.Database.Driver)
	}

	switch c.Store.Backend {
	case "sql", "badger", "memory":
	default:
		return fmt.Errorf("STATE_BACKEND must be sql, badger or memory, got %q", c.Store.Backend)
	}

	switch c.MarketContext.Source {
	case "klines", "none":
	case "http":
		if c.MarketContext.URL == "" {
			return fmt.Errorf("MARKET_CONTEXT_URL is required for MARKET_CONTEXT_SOURCE=http")
		}
	default:
		return fmt.Errorf("MARKET_CONTEXT_SOURCE must be klines, http or none, got %q", c.MarketContext.Source)
	}

	// Таймаут исходящих вызовов
	if c.Engine.CallTimeout < 5*time.Second || c.Engine.CallTimeout > 15*time.Second {
		return fmt.Errorf("CALL_TIMEOUT must be between 5s and 15s, got %v", c.Engine.CallTimeout)
	}

	if c.Engine.RefreshInterval <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL must be positive, got %v", c.Engine.RefreshInterval)
	}
	if c.Engine.CloseLockTTL <= 0 {
		return fmt.Errorf("CLOSE_LOCK_TTL must be positive, got %v", c.Engine.CloseLockTTL)
	}
	if c.Engine.NumShards < 1 {
		return fmt.Errorf("ENGINE_SHARDS must be at least 1, got %d", c.Engine.NumShards)
	}

	if c.Trailing.Interval <= 0 {
		return fmt.Errorf("trailing interval must be positive, got %v", c.Trailing.Interval)
	}
	if !inUnit(c.Trailing.TP1Fraction) || !inUnit(c.Trailing.GiveBack) {
		return fmt.Errorf("trailing tp1_fraction and give_back must be in (0, 1]")
	}
	if c.Trailing.TP1ROI <= 0 {
		return fmt.Errorf("trailing tp1_roi must be positive, got %v", c.Trailing.TP1ROI)
	}

	if c.Milestone.StepROI <= 0 || c.Milestone.MaxSteps < 1 {
		return fmt.Errorf("milestone step_roi and max_steps must be positive")
	}
	if !inUnit(c.Milestone.TakeFraction) || !inUnit(c.Milestone.TrailDropPct) {
		return fmt.Errorf("milestone take_fraction and trail_drop_pct must be in (0, 1]")
	}
	if c.Milestone.BudgetFraction < 0 || c.Milestone.DustUSD < 0 || c.Milestone.ReclaimBps < 0 {
		return fmt.Errorf("milestone reentry parameters cannot be negative")
	}

	if c.Rescue.EscapeTrimMin > c.Rescue.EscapeTrimMax || !inUnit(c.Rescue.EscapeTrimMax) {
		return fmt.Errorf("rescue escape trim range is invalid: [%v, %v]", c.Rescue.EscapeTrimMin, c.Rescue.EscapeTrimMax)
	}
	if c.Rescue.DCAMaxMultiple < 1 {
		return fmt.Errorf("rescue dca_max_multiple must be at least 1, got %v", c.Rescue.DCAMaxMultiple)
	}
	if c.Rescue.AdversePctPerPoint <= 0 {
		return fmt.Errorf("rescue adverse_pct_per_point must be positive")
	}

	return nil
}

func inUnit(v float64) bool {
	return v > 0 && v <= 1
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return "file:" + d.SQLitePath + "?_pragma=busy_timeout(5000)&_time_format=sqlite"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	if d.Driver == "sqlite" {
		return d.SQLitePath
	}
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList - значения через запятую; пустые элементы отбрасываются
func getEnvAsList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
