package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Pipeline   PipelineConfig
	Compliance ComplianceConfig
	Catalog    CatalogConfig
	Documents  DocumentsConfig
	Auth       AuthConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type StorageConfig struct {
	Driver  string // sqlite or pgx
	DataDir string
	DSN     string // used by pgx
}

type PipelineConfig struct {
	Workers      int
	PollInterval string
	StageTimeout string
	StageDelay   string
}

type ComplianceConfig struct {
	CoverageCeiling float64
	// CategoryWeights is a comma separated list of category=weight pairs.
	CategoryWeights string
}

type CatalogConfig struct {
	Path       string // empty uses the built-in catalog
	AutoImport bool
}

type DocumentsConfig struct {
	BlobBackend    string // file or minio
	BlobDir        string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
	TokenTTL  string
}

type LogConfig struct {
	Level  string
	Format string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: dataDir,
		},
		Pipeline: PipelineConfig{
			Workers:      4,
			PollInterval: "500ms",
			StageTimeout: "5m",
			StageDelay:   "0s",
		},
		Compliance: ComplianceConfig{
			CoverageCeiling: 95,
		},
		Catalog: CatalogConfig{
			AutoImport: true,
		},
		Documents: DocumentsConfig{
			BlobBackend: "file",
			MinioBucket: "accredit-evidence",
		},
		Auth: AuthConfig{
			Issuer:   "accredit",
			TokenTTL: "24h",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load layers the YAML file at $XDG_CONFIG_HOME/accredit/config.yaml and
// then ACCREDIT_* environment variables over the defaults. Secrets are read
// from the environment only.
func Load() (Config, error) {
	f, err := openSectionFile(FilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(f)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "pgx":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.driver=pgx requires storage.dsn (ACCREDIT_STORAGE_DSN)")
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q (want sqlite or pgx)", c.Storage.Driver)
	}
	switch c.Documents.BlobBackend {
	case "file":
	case "minio":
		if c.Documents.MinioEndpoint == "" {
			return fmt.Errorf("documents.blob_backend=minio requires documents.minio_endpoint")
		}
	default:
		return fmt.Errorf("unsupported documents.blob_backend %q (want file or minio)", c.Documents.BlobBackend)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1, got %d", c.Pipeline.Workers)
	}
	for key, raw := range map[string]string{
		"pipeline.poll_interval": c.Pipeline.PollInterval,
		"pipeline.stage_timeout": c.Pipeline.StageTimeout,
		"pipeline.stage_delay":   c.Pipeline.StageDelay,
		"auth.token_ttl":         c.Auth.TokenTTL,
	} {
		if _, err := parseDuration(raw); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	if c.Compliance.CoverageCeiling <= 0 || c.Compliance.CoverageCeiling > 100 {
		return fmt.Errorf("compliance.coverage_ceiling must be in (0, 100], got %v", c.Compliance.CoverageCeiling)
	}
	if _, err := c.Compliance.Weights(); err != nil {
		return err
	}
	return nil
}

// RequireJWTSecret reports a clear error when the server cannot sign or
// verify tokens.
func (c Config) RequireJWTSecret() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("missing required config: JWT secret. Set it via environment variable ACCREDIT_AUTH_JWT_SECRET")
	}
	return nil
}

func (p PipelineConfig) PollDuration() time.Duration { return mustDuration(p.PollInterval) }
func (p PipelineConfig) TimeoutDuration() time.Duration { return mustDuration(p.StageTimeout) }
func (p PipelineConfig) DelayDuration() time.Duration { return mustDuration(p.StageDelay) }
func (a AuthConfig) TTL() time.Duration { return mustDuration(a.TokenTTL) }

// Weights parses CategoryWeights, e.g. "assessment=2, governance=1".
func (c ComplianceConfig) Weights() (map[string]float64, error) {
	out := make(map[string]float64)
	for _, pair := range strings.Split(c.CategoryWeights, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid compliance.category_weights entry %q (want category=weight)", pair)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || w < 0 {
			return nil, fmt.Errorf("invalid weight for category %q: %q", name, raw)
		}
		out[strings.ToLower(strings.TrimSpace(name))] = w
	}
	return out, nil
}

func parseDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}

// mustDuration is only called on values validate has accepted.
func mustDuration(raw string) time.Duration {
	d, _ := parseDuration(raw)
	return d
}
