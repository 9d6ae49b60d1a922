package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/larder/internal/paths"
	"github.com/mesh-intelligence/larder/pkg/types"
)

const configFileName = "config.yaml"

// fileConfig is the content of config.yaml.
type fileConfig struct {
	Backend      string          `yaml:"backend" mapstructure:"backend"`
	DataDir      string          `yaml:"data_dir,omitempty" mapstructure:"data_dir"`
	SyncStrategy string          `yaml:"sync_strategy" mapstructure:"sync_strategy"`
	LogLevel     string          `yaml:"log_level" mapstructure:"log_level"`
	Mappings     []types.Mapping `yaml:"mappings" mapstructure:"mappings"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Backend:      types.BackendSQLite,
		SyncStrategy: types.SyncImmediate,
		LogLevel:     "warn",
		Mappings:     []types.Mapping{},
	}
}

// settings is the resolved configuration of one command invocation.
type settings struct {
	configDir string
	file      fileConfig
	store     types.Config
}

// loadSettings resolves directories and reads config.yaml. A missing file
// yields the defaults. LARDER_BACKEND, LARDER_SYNC_STRATEGY and
// LARDER_LOG_LEVEL override the file.
func loadSettings(flags *rootFlags) (*settings, error) {
	configDir, err := paths.ResolveConfigDir(flags.configDir)
	if err != nil {
		return nil, fmt.Errorf("resolve config directory: %w", err)
	}

	def := defaultFileConfig()
	v := viper.New()
	v.SetConfigFile(filepath.Join(configDir, configFileName))
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LARDER")
	v.SetDefault("backend", def.Backend)
	v.SetDefault("sync_strategy", def.SyncStrategy)
	v.SetDefault("log_level", def.LogLevel)
	for _, key := range []string{"backend", "sync_strategy", "log_level"} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", v.ConfigFileUsed(), err)
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", v.ConfigFileUsed(), err)
	}

	dataDir, err := paths.ResolveDataDir(flags.dataDir, fc.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}
	store := types.Config{
		Backend:      fc.Backend,
		DataDir:      dataDir,
		SyncStrategy: fc.SyncStrategy,
	}
	if err := store.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", v.ConfigFileUsed(), err)
	}
	return &settings{configDir: configDir, file: fc, store: store}, nil
}

// metamodel builds the metamodel from the configured mappings.
func (s *settings) metamodel() (*types.Metamodel, error) {
	mm, err := types.NewMetamodel(s.file.Mappings...)
	if err != nil {
		return nil, err
	}
	if err := mm.CheckTargets(); err != nil {
		return nil, err
	}
	return mm, nil
}

// writeConfigIfMissing creates config.yaml from fc unless it already exists.
// It reports whether the file was written.
func writeConfigIfMissing(path string, fc fileConfig) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	data, err := yaml.Marshal(&fc)
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, err
	}
	return true, nil
}
