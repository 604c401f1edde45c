package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the shared openclaw config directory name.
	ConfigDir = ".openclaw"
	// ConfigFile is the shared config file name.
	ConfigFile = "openclaw.json"
	// DataDirName is the plugin state directory under ConfigDir.
	DataDirName = "hub-data"
)

// Path returns the path to openclaw.json.
func Path() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("OPENCLAW_CONFIG_PATH")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// DataDir returns the plugin state directory, honoring cfg.DataDir when set.
func DataDir(cfg *Config) (string, error) {
	if cfg != nil && strings.TrimSpace(cfg.DataDir) != "" {
		d := strings.TrimSpace(cfg.DataDir)
		if strings.HasPrefix(d, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, d[1:]), nil
		}
		return d, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, DataDirName), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("OPENCLAW_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load reads the cluster-hub entry from openclaw.json.
// Priority: environment > file > defaults. A missing file or missing plugin
// entry yields defaults, not an error.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := Path()
	if err != nil {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		node, ok := pluginConfigNode(data)
		if ok {
			raw, err := json.Marshal(node)
			if err != nil {
				return nil, fmt.Errorf("encode plugin config: %w", err)
			}
			if err := json.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse plugin config: %w", err)
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Environment overrides, one group per Process call.
	envconfig.Process("CLUSTERHUB", cfg)
	envconfig.Process("CLUSTERHUB_ARCHIVE", &cfg.Archive)
	envconfig.Process("CLUSTERHUB_MIRROR", &cfg.Mirror)
	envconfig.Process("CLUSTERHUB_NOTIFY", &cfg.Notify)

	cfg.normalize()
	return cfg, nil
}

// Save patches the cluster-hub entry back into openclaw.json, deep-merging so
// that unrelated branches of the file survive untouched.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}

	root := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &root); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if root == nil {
			root = map[string]any{}
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	encoded, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var entry map[string]any
	if err := json.Unmarshal(encoded, &entry); err != nil {
		return err
	}

	patch := map[string]any{
		"plugins": map[string]any{
			"entries": map[string]any{
				PluginID: map[string]any{
					"config": entry,
				},
			},
		},
	}
	deepMerge(root, patch)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func pluginConfigNode(data []byte) (map[string]any, bool) {
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil || root == nil {
		return nil, false
	}
	node := nestedMap(root, "plugins", "entries", PluginID, "config")
	return node, node != nil
}

func nestedMap(root map[string]any, keys ...string) map[string]any {
	cur := root
	for _, k := range keys {
		next, _ := cur[k].(map[string]any)
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// deepMerge merges src into dst recursively. Object branches merge key by
// key; any non-object value (arrays included) replaces the destination leaf.
func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]any)
		if !srcIsMap {
			dst[key] = val
			continue
		}

		existing, ok := dst[key]
		if !ok {
			copyMap := map[string]any{}
			deepMerge(copyMap, srcMap)
			dst[key] = copyMap
			continue
		}
		dstMap, dstIsMap := existing.(map[string]any)
		if !dstIsMap {
			copyMap := map[string]any{}
			deepMerge(copyMap, srcMap)
			dst[key] = copyMap
			continue
		}
		deepMerge(dstMap, srcMap)
	}
}
