package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/internal/sqlite"
)

func newInitCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration and storage",
		Long: "Create the configuration directory with a default config.yaml if it is\n" +
			"missing, then create the data directory and its JSONL files.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, flags)
		},
	}
}

func runInit(cmd *cobra.Command, flags *rootFlags) error {
	st, err := loadSettings(flags)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(st.configDir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	fc := defaultFileConfig()
	fc.DataDir = st.store.DataDir
	configPath := filepath.Join(st.configDir, configFileName)
	written, err := writeConfigIfMissing(configPath, fc)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	logger, err := newLogger(st.file.LogLevel, flags.verbose)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	backend := sqlite.NewBackend(sqlite.WithLogger(logger))
	if err := backend.Attach(st.store); err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	if err := backend.Detach(); err != nil {
		return fmt.Errorf("finalize storage: %w", err)
	}

	out := cmd.OutOrStdout()
	if flags.jsonMode {
		return writeJSON(out, map[string]any{
			"config":         configPath,
			"config_written": written,
			"data_dir":       st.store.DataDir,
		})
	}
	if written {
		fmt.Fprintf(out, "Wrote %s\n", configPath)
	}
	fmt.Fprintf(out, "Larder initialized in %s\n", st.store.DataDir)
	return nil
}
