package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

const projectConfigName = "spoolq.toml"

// DefaultConfigPath returns the per-user configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load reads the configuration at path, or the first file found among the
// per-user and project locations when path is empty. It returns the loaded
// config, the path it resolved to, and whether that file existed. A missing
// file yields the defaults.
func Load(path string) (*Config, string, bool, error) {
	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	cfg := Default()
	if exists {
		if err := decodeFile(resolved, &cfg); err != nil {
			return nil, "", false, err
		}
	}
	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

// decodeFile rejects keys the Config does not define and reports syntax
// errors with their line and column.
func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	err = dec.Decode(cfg)

	var decodeErr *toml.DecodeError
	var strictErr *toml.StrictMissingError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &decodeErr):
		row, col := decodeErr.Position()
		return fmt.Errorf("parse config %s:%d:%d: %w", path, row, col, err)
	case errors.As(err, &strictErr):
		return fmt.Errorf("parse config %s: unknown keys:\n%s", path, strictErr.String())
	default:
		return fmt.Errorf("parse config %s: %w", path, err)
	}
}

// resolveConfigPath honours an explicit path even when the file is absent, so
// "config init --path" and "--config" agree on the target.
func resolveConfigPath(explicit string) (string, bool, error) {
	if strings.TrimSpace(explicit) != "" {
		path, err := expandPath(explicit)
		if err != nil {
			return "", false, err
		}
		found, err := isFile(path)
		return path, found, err
	}

	userPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs(projectConfigName)
	if err != nil {
		return "", false, fmt.Errorf("resolve %s: %w", projectConfigName, err)
	}
	for _, candidate := range []string{userPath, projectPath} {
		if found, _ := isFile(candidate); found {
			return candidate, true, nil
		}
	}
	return userPath, false, nil
}

func isFile(path string) (bool, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		return !info.IsDir(), nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat config: %w", err)
	}
}

// ExpandPath resolves a leading "~" and returns an absolute, cleaned path.
// An empty value stays empty.
func ExpandPath(value string) (string, error) {
	return expandPath(value)
}

func expandPath(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if value == "~" || strings.HasPrefix(value, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		value = filepath.Join(home, strings.TrimPrefix(value, "~"))
	}
	abs, err := filepath.Abs(value)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", value, err)
	}
	return abs, nil
}

// CreateSample writes the commented sample configuration to path, creating
// parent directories as needed.
func CreateSample(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
