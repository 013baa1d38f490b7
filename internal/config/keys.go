package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	check   func(v any) error // runs on `config set`; Load relies on validate
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "ACCREDIT_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "ACCREDIT_SERVER_PORT",
		check: portNumber,
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.driver", typ: kString, env: "ACCREDIT_STORAGE_DRIVER",
		check: oneOf("sqlite", "pgx"),
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ACCREDIT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.dsn", typ: kString, env: "ACCREDIT_STORAGE_DSN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Storage.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DSN },
	},
	{
		key: "pipeline.workers", typ: kInt, env: "ACCREDIT_PIPELINE_WORKERS",
		check: atLeastOne,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Workers },
	},
	{
		key: "pipeline.poll_interval", typ: kString, env: "ACCREDIT_PIPELINE_POLL_INTERVAL",
		check: duration,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.PollInterval },
	},
	{
		key: "pipeline.stage_timeout", typ: kString, env: "ACCREDIT_PIPELINE_STAGE_TIMEOUT",
		check: duration,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.StageTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.StageTimeout },
	},
	{
		key: "pipeline.stage_delay", typ: kString, env: "ACCREDIT_PIPELINE_STAGE_DELAY",
		check: duration,
		apply:   func(cfg *Config, v any) { cfg.Pipeline.StageDelay = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.StageDelay },
	},
	{
		key: "compliance.coverage_ceiling", typ: kFloat, env: "ACCREDIT_COMPLIANCE_COVERAGE_CEILING",
		check: percentage,
		apply:   func(cfg *Config, v any) { cfg.Compliance.CoverageCeiling = v.(float64) },
		extract: func(cfg Config) any { return cfg.Compliance.CoverageCeiling },
	},
	{
		key: "compliance.category_weights", typ: kString, env: "ACCREDIT_COMPLIANCE_CATEGORY_WEIGHTS",
		check: categoryWeights,
		apply:   func(cfg *Config, v any) { cfg.Compliance.CategoryWeights = v.(string) },
		extract: func(cfg Config) any { return cfg.Compliance.CategoryWeights },
	},
	{
		key: "catalog.path", typ: kString, env: "ACCREDIT_CATALOG_PATH",
		apply:   func(cfg *Config, v any) { cfg.Catalog.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Catalog.Path },
	},
	{
		key: "catalog.auto_import", typ: kBool, env: "ACCREDIT_CATALOG_AUTO_IMPORT",
		apply:   func(cfg *Config, v any) { cfg.Catalog.AutoImport = v.(bool) },
		extract: func(cfg Config) any { return cfg.Catalog.AutoImport },
	},
	{
		key: "documents.blob_backend", typ: kString, env: "ACCREDIT_DOCUMENTS_BLOB_BACKEND",
		check: oneOf("file", "minio"),
		apply:   func(cfg *Config, v any) { cfg.Documents.BlobBackend = v.(string) },
		extract: func(cfg Config) any { return cfg.Documents.BlobBackend },
	},
	{
		key: "documents.blob_dir", typ: kString, env: "ACCREDIT_DOCUMENTS_BLOB_DIR",
		apply:   func(cfg *Config, v any) { cfg.Documents.BlobDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Documents.BlobDir },
	},
	{
		key: "documents.minio_endpoint", typ: kString, env: "ACCREDIT_DOCUMENTS_MINIO_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Documents.MinioEndpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Documents.MinioEndpoint },
	},
	{
		key: "documents.minio_access_key", typ: kString, env: "ACCREDIT_DOCUMENTS_MINIO_ACCESS_KEY",
		apply:   func(cfg *Config, v any) { cfg.Documents.MinioAccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Documents.MinioAccessKey },
	},
	{
		key: "documents.minio_secret_key", typ: kString, env: "ACCREDIT_DOCUMENTS_MINIO_SECRET_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Documents.MinioSecretKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Documents.MinioSecretKey },
	},
	{
		key: "documents.minio_bucket", typ: kString, env: "ACCREDIT_DOCUMENTS_MINIO_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Documents.MinioBucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Documents.MinioBucket },
	},
	{
		key: "documents.minio_use_ssl", typ: kBool, env: "ACCREDIT_DOCUMENTS_MINIO_USE_SSL",
		apply:   func(cfg *Config, v any) { cfg.Documents.MinioUseSSL = v.(bool) },
		extract: func(cfg Config) any { return cfg.Documents.MinioUseSSL },
	},
	{
		key: "auth.jwt_secret", typ: kString, env: "ACCREDIT_AUTH_JWT_SECRET",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Auth.JWTSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.JWTSecret },
	},
	{
		key: "auth.issuer", typ: kString, env: "ACCREDIT_AUTH_ISSUER",
		apply:   func(cfg *Config, v any) { cfg.Auth.Issuer = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.Issuer },
	},
	{
		key: "auth.token_ttl", typ: kString, env: "ACCREDIT_AUTH_TOKEN_TTL",
		check: duration,
		apply:   func(cfg *Config, v any) { cfg.Auth.TokenTTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.TokenTTL },
	},
	{
		key: "log.level", typ: kString, env: "ACCREDIT_LOG_LEVEL",
		check: oneOf("debug", "info", "warn", "warning", "error"),
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "ACCREDIT_LOG_FORMAT",
		check: oneOf("text", "json"),
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func oneOf(allowed ...string) func(any) error {
	return func(v any) error {
		for _, a := range allowed {
			if v.(string) == a {
				return nil
			}
		}
		return fmt.Errorf("%q is not one of %s", v, strings.Join(allowed, ", "))
	}
}

func duration(v any) error {
	_, err := parseDuration(v.(string))
	return err
}

func atLeastOne(v any) error {
	if v.(int) < 1 {
		return fmt.Errorf("must be at least 1, got %d", v)
	}
	return nil
}

func portNumber(v any) error {
	if p := v.(int); p < 1 || p > 65535 {
		return fmt.Errorf("port %d out of range", p)
	}
	return nil
}

func percentage(v any) error {
	if f := v.(float64); f <= 0 || f > 100 {
		return fmt.Errorf("must be in (0, 100], got %v", f)
	}
	return nil
}

func categoryWeights(v any) error {
	_, err := ComplianceConfig{CategoryWeights: v.(string)}.Weights()
	return err
}

// parse converts a raw string from the command line or environment into
// the Go type apply expects.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%q is not a whole number", raw)
		}
		return i, nil
	case kBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%q is not true or false", raw)
		}
		return b, nil
	case kFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", raw)
		}
		return f, nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring config file value", "key", s.key, "err", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring environment override", "env", s.env, "err", err)
			continue
		}
		s.apply(cfg, v)
	}
}
