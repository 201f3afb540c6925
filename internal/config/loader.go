package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. A directory is read as
// its config.yaml. Files listed under include are merged in order, and every
// loaded file is verified against a .checksums manifest in its directory when
// one exists.
func Load(configPath string) (*Config, error) {
	cfg, paths, err := loadTree(configPath)
	if err != nil {
		return nil, err
	}
	if err := verifyAllConfigHashes(paths); err != nil {
		return nil, err
	}

	cfg = applyConfigDefaults(cfg, filepath.Dir(paths[0]))

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadTree parses the root file and its includes without defaults or
// verification. The first returned path is the root file.
func loadTree(configPath string) (*Config, []string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, node, err := loadConfigFile(absPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.SourceFiles = map[string]*yaml.Node{absPath: node}

	visited := map[string]bool{absPath: true}
	if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
		return nil, nil, err
	}

	paths := []string{absPath}
	for p := range visited {
		if p != absPath {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths[1:])
	return cfg, paths, nil
}

// DiscoverConfigDir finds the config location by checking standard places.
// Priority order: $CELLHOST_CONFIG_DIR, ~/.config/cellhost, /etc/cellhost,
// ./config.yaml.
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("CELLHOST_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		dir := filepath.Join(home, ".config", "cellhost")
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}
	if _, err := os.Stat("/etc/cellhost"); err == nil {
		return "/etc/cellhost", nil
	}
	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}
	return "", fmt.Errorf("no configuration found (tried $CELLHOST_CONFIG_DIR, ~/.config/cellhost, /etc/cellhost, ./config.yaml)")
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(includePath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true

		included, node, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, absPath, err)
		}
		cfg.SourceFiles[absPath] = node
		mergeConfig(cfg, included)

		if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
			return err
		}
	}
	return nil
}

// loadConfigFile parses one file after env interpolation. Defaults are not
// applied here so that merging can tell set values from unset ones.
func loadConfigFile(path string) (*Config, *yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read file: %w", err)
	}
	interpolated := []byte(interpolateEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(interpolated, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(interpolated, &node); err != nil {
		return nil, nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	return &cfg, &node, nil
}

// mergeConfig merges src into dst. Scalars in src override when set; lists
// are appended.
func mergeConfig(dst, src *Config) {
	setNonZero(&dst.Service.Name, src.Service.Name)
	setNonZero(&dst.Service.LogLevel, src.Service.LogLevel)
	setNonZero(&dst.Service.LogFormat, src.Service.LogFormat)
	setNonZero(&dst.Service.LogFile, src.Service.LogFile)
	setNonZero(&dst.Service.LogMaxSizeMB, src.Service.LogMaxSizeMB)
	setNonZero(&dst.Service.LogMaxBackups, src.Service.LogMaxBackups)

	setNonZero(&dst.Store.Path, src.Store.Path)

	setNonZero(&dst.Engine.Workers, src.Engine.Workers)
	setNonZero(&dst.Engine.PollInterval, src.Engine.PollInterval)
	setNonZero(&dst.Engine.TriggerTimeout, src.Engine.TriggerTimeout)
	setNonZero(&dst.Engine.CallTimeout, src.Engine.CallTimeout)
	setNonZero(&dst.Engine.MaxSteps, src.Engine.MaxSteps)
	setNonZero(&dst.Engine.ScheduleTick, src.Engine.ScheduleTick)

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	setNonZero(&dst.API.Listen, src.API.Listen)
	dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)

	if src.Clock.RequireAttested {
		dst.Clock.RequireAttested = true
	}
	dst.Clock.Sources = append(dst.Clock.Sources, src.Clock.Sources...)
	setNonZero(&dst.Clock.Min, src.Clock.Min)
	setNonZero(&dst.Clock.Skew, src.Clock.Skew)
	setNonZero(&dst.Clock.Timeout, src.Clock.Timeout)
	setNonZero(&dst.Clock.MaxElapsed, src.Clock.MaxElapsed)

	setNonZero(&dst.Bundles.BaseDir, src.Bundles.BaseDir)
	setNonZero(&dst.Bundles.FetchTimeout, src.Bundles.FetchTimeout)
	setNonZero(&dst.Bundles.MaxBytes, src.Bundles.MaxBytes)

	setNonZero(&dst.Webhooks.Listen, src.Webhooks.Listen)
	dst.Webhooks.Endpoints = append(dst.Webhooks.Endpoints, src.Webhooks.Endpoints...)

	dst.Cells = append(dst.Cells, src.Cells...)
}

func setNonZero[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}

// applyConfigDefaults fills unset fields from Defaults. Relative store and
// bundle paths are anchored at configDir.
func applyConfigDefaults(cfg *Config, configDir string) *Config {
	def := Defaults()
	mergeConfig(def, cfg)
	def.Include = cfg.Include
	def.SourceFiles = cfg.SourceFiles

	if def.Bundles.BaseDir == "" {
		def.Bundles.BaseDir = configDir
	} else if !filepath.IsAbs(def.Bundles.BaseDir) {
		def.Bundles.BaseDir = filepath.Join(configDir, def.Bundles.BaseDir)
	}
	if def.Store.Path != "" && !filepath.IsAbs(def.Store.Path) {
		def.Store.Path = filepath.Join(configDir, def.Store.Path)
	}
	return def
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by Validate where they
// matter.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}
