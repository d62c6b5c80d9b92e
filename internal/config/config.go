// Package config loads the engine configuration from a YAML file, .env
// files and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/llm-evalgate/internal/engine"
	"github.com/giantswarm/llm-evalgate/internal/gate"
	"github.com/giantswarm/llm-evalgate/internal/runner"
	"github.com/giantswarm/llm-evalgate/internal/scorer"
	"github.com/giantswarm/llm-evalgate/internal/store"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

// Environment variables that override the file.
const (
	EnvAPIKey   = "OPENAI_API_KEY"
	EnvBaseURL  = "OPENAI_BASE_URL"
	EnvStoreDSN = "EVALGATE_STORE_DSN"
	EnvWorkers  = "EVALGATE_WORKERS"
)

// DriverMemory keeps everything in process memory.
const DriverMemory = "memory"

// Config is the engine configuration.
type Config struct {
	Engine     EngineConfig        `yaml:"engine"`
	Store      StoreConfig         `yaml:"store"`
	Thresholds map[string]float64  `yaml:"thresholds" validate:"dive,gte=0,lte=1"`
	Adapters   map[string]string   `yaml:"adapters" validate:"dive,keys,systemtype,endkeys,required"`
	Metrics    map[string][]string `yaml:"metrics" validate:"dive,keys,systemtype,endkeys,min=1"`
	LLM        LLMConfig           `yaml:"llm"`
	Suites     SuitesConfig        `yaml:"suites"`
	Kubernetes KubernetesConfig    `yaml:"kubernetes"`
	Server     ServerConfig        `yaml:"server"`
	Logging    LoggingConfig       `yaml:"logging"`
}

type EngineConfig struct {
	Workers      int           `yaml:"workers" validate:"gte=1,lte=256"`
	CaseTimeout  time.Duration `yaml:"case_timeout" validate:"gt=0"`
	StoreRetries uint          `yaml:"store_retries" validate:"gte=1,lte=20"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite postgres"`
	DSN    string `yaml:"dsn" validate:"required_unless=Driver memory"`
}

type LLMConfig struct {
	BaseURL          string `yaml:"base_url" validate:"omitempty,url"`
	APIKey           string `yaml:"api_key"`
	JudgeModel       string `yaml:"judge_model" validate:"required"`
	JudgeRepetitions int    `yaml:"judge_repetitions" validate:"gte=1,lte=10"`
}

type SuitesConfig struct {
	Dir      string        `yaml:"dir"`
	CacheTTL time.Duration `yaml:"cache_ttl" validate:"gte=0"`
}

type KubernetesConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Namespace  string `yaml:"namespace"`
	Kubeconfig string `yaml:"kubeconfig"`
	InCluster  bool   `yaml:"in_cluster"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type LoggingConfig struct {
	Format string `yaml:"format" validate:"oneof=text json"`
	Debug  bool   `yaml:"debug"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Workers:      runner.DefaultWorkers,
			CaseTimeout:  runner.DefaultCaseTimeout,
			StoreRetries: store.DefaultRetryPolicy().MaxTries,
		},
		Store:      StoreConfig{Driver: store.DriverSQLite, DSN: "evalgate.db"},
		Thresholds: gate.DefaultThresholds(),
		LLM: LLMConfig{
			JudgeModel:       scorer.DefaultJudgeModel,
			JudgeRepetitions: 3,
		},
		Suites:     SuitesConfig{CacheTTL: time.Minute},
		Kubernetes: KubernetesConfig{Namespace: "default"},
		Server:     ServerConfig{Addr: ":8080"},
		Logging:    LoggingConfig{Format: "text"},
	}
}

// LoadDotEnv loads variables from the given .env files, or from ./.env
// when none are given. Missing files are ignored; variables already set
// in the environment win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv(EnvStoreDSN); v != "" {
		c.Store.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			c.Store.Driver = store.DriverPostgres
		}
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWorkers, err)
		}
		c.Engine.Workers = n
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("systemtype", func(fl validator.FieldLevel) bool {
		return testsuite.SystemType(fl.Field().String()).Valid()
	})
	return v
}

// Validate checks field ranges and enumerations.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// CoordinatorConfig converts the engine section for engine.New.
func (c *Config) CoordinatorConfig() engine.Config {
	retry := store.DefaultRetryPolicy()
	retry.MaxTries = c.Engine.StoreRetries

	adapters := make(map[testsuite.SystemType]string, len(c.Adapters))
	for k, v := range c.Adapters {
		adapters[testsuite.SystemType(k)] = v
	}
	metrics := make(map[testsuite.SystemType][]string, len(c.Metrics))
	for k, v := range c.Metrics {
		metrics[testsuite.SystemType(k)] = v
	}
	return engine.Config{
		Workers:         c.Engine.Workers,
		CaseTimeout:     c.Engine.CaseTimeout,
		Retry:           retry,
		DefaultAdapters: adapters,
		DefaultMetrics:  metrics,
	}
}
