package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigBackend abstracts persistent config storage. Keys are dotted
// "section.name" pairs such as "pipeline.workers".
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// FilePath returns the location of the config file.
func FilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config", "."), "accredit", "config.yaml")
}

func defaultDataDir() string {
	base := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"), "")
	if base == "" {
		return "accredit-data"
	}
	return filepath.Join(base, "accredit")
}

// xdgDir returns $env, or homeRel under the user's home directory, or
// orphan when no home directory is known.
func xdgDir(env, homeRel, orphan string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return orphan
	}
	return filepath.Join(home, homeRel)
}

// sectionFile keeps settings in a YAML document grouped the same way
// the keys are, so "pipeline.workers" is stored as
//
//	pipeline:
//	  workers: 6
type sectionFile struct {
	path     string
	sections map[string]map[string]any
}

func openSectionFile(path string) (*sectionFile, error) {
	f := &sectionFile{path: path, sections: map[string]map[string]any{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &f.sections); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if f.sections == nil {
		f.sections = map[string]map[string]any{}
	}
	return f, nil
}

func splitKey(key string) (section, name string, err error) {
	section, name, ok := strings.Cut(key, ".")
	if !ok || section == "" || name == "" || strings.Contains(name, ".") {
		return "", "", fmt.Errorf("malformed config key %q (want section.name)", key)
	}
	return section, name, nil
}

func (f *sectionFile) lookup(key string) (any, bool, error) {
	section, name, err := splitKey(key)
	if err != nil {
		return nil, false, err
	}
	v, ok := f.sections[section][name]
	return v, ok, nil
}

func (f *sectionFile) GetString(key string) (string, bool, error) {
	v, ok, err := f.lookup(key)
	if err != nil || !ok {
		return "", false, err
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case bool, int, float64:
		return fmt.Sprint(val), true, nil
	case nil:
		return "", true, nil
	default:
		return "", true, fmt.Errorf("%s holds a %T, want a scalar", key, v)
	}
}

func (f *sectionFile) GetInt(key string) (int, bool, error) {
	v, ok, err := f.lookup(key)
	if err != nil || !ok {
		return 0, false, err
	}
	switch val := v.(type) {
	case int:
		return val, true, nil
	case float64:
		if val != math.Trunc(val) || val < math.MinInt || val > math.MaxInt {
			return 0, true, fmt.Errorf("%s = %v is not a whole number", key, val)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, true, fmt.Errorf("%s = %q is not a whole number", key, val)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("%s holds a %T, want a whole number", key, v)
	}
}

func (f *sectionFile) set(key string, val any) error {
	section, name, err := splitKey(key)
	if err != nil {
		return err
	}
	if f.sections[section] == nil {
		f.sections[section] = map[string]any{}
	}
	f.sections[section][name] = val
	return f.save()
}

func (f *sectionFile) SetString(key, val string) error { return f.set(key, val) }
func (f *sectionFile) SetInt(key string, val int) error { return f.set(key, val) }

// Delete removes key and drops its section once it is empty.
func (f *sectionFile) Delete(key string) error {
	section, name, err := splitKey(key)
	if err != nil {
		return err
	}
	values, ok := f.sections[section]
	if !ok {
		return nil
	}
	if _, ok := values[name]; !ok {
		return nil
	}
	delete(values, name)
	if len(values) == 0 {
		delete(f.sections, section)
	}
	return f.save()
}

// save replaces the file through a rename so a crash mid-write never
// leaves a truncated config behind.
func (f *sectionFile) save() error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(f.sections)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
