package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Where a key's effective value came from.
const (
	SourceDefault = "default"
	SourceFile    = "file"
	SourceEnv     = "env"
)

// KeyInfo is one row of `accredit config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Source string
	Secret bool
}

// Describe loads the effective configuration and reports each key with
// the layer that supplied it. Secret values are reduced to set/unset.
func Describe() ([]KeyInfo, error) {
	f, err := openSectionFile(FilePath())
	if err != nil {
		return nil, err
	}
	cfg, err := loadWith(f)
	if err != nil {
		return nil, err
	}
	return describe(cfg, f), nil
}

func describe(cfg Config, b ConfigBackend) []KeyInfo {
	out := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		info := KeyInfo{Key: s.key, EnvVar: s.env, Secret: s.secret, Source: SourceDefault}
		switch {
		case os.Getenv(s.env) != "":
			info.Source = SourceEnv
		case !s.secret && storedIn(b, s):
			info.Source = SourceFile
		}
		v := fmt.Sprint(s.extract(cfg))
		if s.secret {
			v = "(unset)"
			if s.extract(cfg) != "" {
				v = "(set)"
			}
		}
		info.Value = v
		out = append(out, info)
	}
	return out
}

func storedIn(b ConfigBackend, s keySpec) bool {
	if s.typ == kInt {
		_, ok, _ := b.GetInt(s.key)
		return ok
	}
	_, ok, _ := b.GetString(s.key)
	return ok
}

// SetKey validates value for key and writes it to the config file.
func SetKey(key, value string) error {
	f, err := openSectionFile(FilePath())
	if err != nil {
		return err
	}
	return setKey(f, key, value)
}

// UnsetKey removes key from the config file so its default applies again.
func UnsetKey(key string) error {
	f, err := openSectionFile(FilePath())
	if err != nil {
		return err
	}
	return unsetKey(f, key)
}

func settable(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return keySpec{}, fmt.Errorf("%s is a secret; set it with the %s environment variable", key, s.env)
		}
		return s, nil
	}
	return keySpec{}, fmt.Errorf("unknown config key %q (valid keys: %s)", key, strings.Join(ValidKeys(), ", "))
}

func setKey(b ConfigBackend, key, value string) error {
	s, err := settable(key)
	if err != nil {
		return err
	}
	v, err := s.parse(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if s.check != nil {
		if err := s.check(v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	switch val := v.(type) {
	case int:
		return b.SetInt(key, val)
	case bool:
		return b.SetString(key, strconv.FormatBool(val))
	default:
		return b.SetString(key, value)
	}
}

func unsetKey(b ConfigBackend, key string) error {
	if _, err := settable(key); err != nil {
		return err
	}
	return b.Delete(key)
}

// ValidKeys returns the keys that `config set` accepts.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
