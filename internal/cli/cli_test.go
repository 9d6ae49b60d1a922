package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/larder/pkg/types"
)

const testConfig = `backend: sqlite
sync_strategy: immediate
log_level: error
mappings:
  - kind: recipe
    relationships:
      - name: steps
        target: step
        cascade_on_save: true
        orphan_removal: true
      - name: tags
        target: tag
        cascade_on_save: true
        fetch: eager
  - kind: step
  - kind: tag
`

type cliEnv struct {
	configDir string
	dataDir   string
}

func setupCLI(t *testing.T) cliEnv {
	t.Helper()
	t.Setenv("LARDER_BACKEND", "")
	t.Setenv("LARDER_SYNC_STRATEGY", "")
	t.Setenv("LARDER_LOG_LEVEL", "")
	t.Setenv("LARDER_DATA_DIR", "")

	env := cliEnv{
		configDir: filepath.Join(t.TempDir(), "config"),
		dataDir:   filepath.Join(t.TempDir(), "data"),
	}
	require.NoError(t, os.MkdirAll(env.configDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.configDir, configFileName), []byte(testConfig), 0o644))
	return env
}

// run executes one larder command against env with stdin and returns stdout.
func (env cliEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config-dir", env.configDir, "--data-dir", env.dataDir}, args...))
	err := root.Execute()
	return out.String(), err
}

func (env cliEnv) mustRun(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	out, err := env.run(t, stdin, args...)
	require.NoError(t, err, "larder %v", args)
	return out
}

const recipeJSON = `{
  "kind": "recipe",
  "attributes": {"name": "bread"},
  "collections": {
    "steps": [
      {"kind": "step", "attributes": {"text": "mix"}},
      {"kind": "step", "attributes": {"text": "knead"}},
      {"kind": "step", "attributes": {"text": "bake"}}
    ],
    "tags": [{"kind": "tag", "attributes": {"label": "baking"}}]
  }
}`

func saveRecipe(t *testing.T, env cliEnv) string {
	t.Helper()
	out := env.mustRun(t, recipeJSON, "save", "-f", "-", "--json")
	var saved types.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &saved))
	require.NotEmpty(t, saved.ID)
	return saved.ID
}

func getRecipe(t *testing.T, env cliEnv, id string) *types.Entity {
	t.Helper()
	out := env.mustRun(t, "", "get", id, "--json")
	var e types.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &e))
	return &e
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "larder v"+Version)
	assert.Contains(t, out.String(), modulePath)
}

func TestInitCommand(t *testing.T) {
	t.Setenv("LARDER_DATA_DIR", "")
	configDir := filepath.Join(t.TempDir(), "config")
	dataDir := filepath.Join(t.TempDir(), "data")
	env := cliEnv{configDir: configDir, dataDir: dataDir}

	out := env.mustRun(t, "", "init")
	assert.Contains(t, out, "Wrote")
	assert.Contains(t, out, dataDir)

	data, err := os.ReadFile(filepath.Join(configDir, configFileName))
	require.NoError(t, err)
	var fc fileConfig
	require.NoError(t, yaml.Unmarshal(data, &fc))
	assert.Equal(t, types.BackendSQLite, fc.Backend)
	assert.Equal(t, dataDir, fc.DataDir)
	assert.Equal(t, types.SyncImmediate, fc.SyncStrategy)

	for _, name := range []string{"entities.jsonl", "links.jsonl"} {
		assert.FileExists(t, filepath.Join(dataDir, name))
	}

	t.Run("second init keeps config", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(configDir, configFileName), []byte(testConfig), 0o644))
		out := env.mustRun(t, "", "init")
		assert.NotContains(t, out, "Wrote")

		data, err := os.ReadFile(filepath.Join(configDir, configFileName))
		require.NoError(t, err)
		assert.Equal(t, testConfig, string(data))
	})
}

func TestInitCommand_InvalidConfig(t *testing.T) {
	env := setupCLI(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.configDir, configFileName), []byte("backend: postgres\n"), 0o644))

	_, err := env.run(t, "", "init")
	assert.ErrorIs(t, err, types.ErrBackendUnknown)
}

func TestKindsCommand(t *testing.T) {
	env := setupCLI(t)

	out := env.mustRun(t, "", "kinds", "--json")
	var mappings []types.Mapping
	require.NoError(t, json.Unmarshal([]byte(out), &mappings))
	require.Len(t, mappings, 3)
	assert.Equal(t, "recipe", mappings[0].Kind)
	steps, ok := mappings[0].Relationship("steps")
	require.True(t, ok)
	assert.True(t, steps.OrphanRemoval)

	out = env.mustRun(t, "", "kinds")
	assert.Contains(t, out, "steps -> step cascade=true orphan_removal=true fetch=lazy")
	assert.Contains(t, out, "tags -> tag cascade=true orphan_removal=false fetch=eager")
}

func TestKindsCommand_UnknownTarget(t *testing.T) {
	env := setupCLI(t)
	cfg := "backend: sqlite\nmappings:\n  - kind: recipe\n    relationships:\n      - name: steps\n        target: step\n"
	require.NoError(t, os.WriteFile(filepath.Join(env.configDir, configFileName), []byte(cfg), 0o644))

	_, err := env.run(t, "", "kinds")
	require.ErrorIs(t, err, types.ErrUnknownKind)
	assert.Equal(t, exitUserError, exitCode(err))
}

func TestSaveAndGet(t *testing.T) {
	env := setupCLI(t)
	id := saveRecipe(t, env)

	recipe := getRecipe(t, env, id)
	assert.Equal(t, "bread", recipe.GetString("name"))
	assert.Equal(t, int64(1), recipe.Version)

	steps, err := recipe.Collection("steps").Items()
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "mix", steps[0].GetString("text"))
	assert.Equal(t, "bake", steps[2].GetString("text"))

	text := env.mustRun(t, "", "get", id)
	assert.Contains(t, text, "recipe "+id+" v1")
	assert.Contains(t, text, "name: bread")
	assert.Contains(t, text, "[steps] 3")
}

func TestList(t *testing.T) {
	env := setupCLI(t)
	saveRecipe(t, env)

	out := env.mustRun(t, "", "list", "--kind", "step", "--json")
	var steps []*types.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &steps))
	assert.Len(t, steps, 3)

	out = env.mustRun(t, "", "list")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 6, "header, recipe, three steps, tag")
	assert.True(t, strings.HasPrefix(lines[0], "KIND"))

	_, err := env.run(t, "", "list", "--kind", "nope")
	assert.ErrorIs(t, err, types.ErrUnknownKind)
}

func writeGraph(t *testing.T, e *types.Entity) string {
	t.Helper()
	data, err := json.Marshal(e)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestMerge_OrphanRemoved(t *testing.T) {
	env := setupCLI(t)
	id := saveRecipe(t, env)

	recipe := getRecipe(t, env, id)
	recipe.Set("name", "sourdough")
	steps, err := recipe.Collection("steps").Items()
	require.NoError(t, err)
	dropped := steps[1].ID
	_, err = recipe.Collection("steps").Remove(dropped)
	require.NoError(t, err)
	path := writeGraph(t, recipe)

	t.Run("dry run writes nothing", func(t *testing.T) {
		out := env.mustRun(t, "", "merge", "-f", path, "--dry-run", "--json")
		var res mergeOutput
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.True(t, res.DryRun)
		assert.Equal(t, 1, res.Actions.Deletes)
		assert.Equal(t, 1, res.Actions.Unlinks)
		assert.Equal(t, 1, res.Actions.Updates)

		again := getRecipe(t, env, id)
		assert.Equal(t, "bread", again.GetString("name"))
	})

	out := env.mustRun(t, "", "merge", "-f", path)
	assert.Contains(t, out, "Merged recipe "+id+" (v2)")
	assert.Contains(t, out, "1 deletes")

	merged := getRecipe(t, env, id)
	assert.Equal(t, "sourdough", merged.GetString("name"))
	ids, err := merged.Collection("steps").IDs()
	require.NoError(t, err)
	assert.Equal(t, []string{steps[0].ID, steps[2].ID}, ids)

	_, err = env.run(t, "", "get", dropped)
	assert.ErrorIs(t, err, types.ErrEntityNotFound)

	t.Run("stale graph rejected", func(t *testing.T) {
		_, err := env.run(t, "", "merge", "-f", path)
		require.ErrorIs(t, err, types.ErrStaleState)
		assert.Equal(t, exitUserError, exitCode(err))
	})

	t.Run("unchanged graph", func(t *testing.T) {
		out := env.mustRun(t, "", "merge", "-f", writeGraph(t, merged))
		assert.Contains(t, out, "no changes")
	})
}

func TestMerge_DeletedElsewhere(t *testing.T) {
	env := setupCLI(t)
	id := saveRecipe(t, env)
	path := writeGraph(t, getRecipe(t, env, id))

	env.mustRun(t, "", "delete", id)

	_, err := env.run(t, "", "merge", "-f", path)
	assert.ErrorIs(t, err, types.ErrEntityNotFound)
}

func TestMerge_BadInput(t *testing.T) {
	env := setupCLI(t)

	_, err := env.run(t, "{not json", "merge", "-f", "-")
	require.Error(t, err)
	assert.Equal(t, exitUserError, exitCode(err))

	_, err = env.run(t, "", "merge")
	assert.Error(t, err, "missing -f")
}

func TestDelete(t *testing.T) {
	env := setupCLI(t)
	id := saveRecipe(t, env)

	out := env.mustRun(t, "", "delete", id, "--json")
	var res mergeOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 4, res.Actions.Deletes, "recipe and its three steps")

	out = env.mustRun(t, "", "list", "--kind", "tag", "--json")
	var tags []*types.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &tags))
	assert.Len(t, tags, 1, "tags are not orphan-removal")

	_, err := env.run(t, "", "delete", id)
	assert.ErrorIs(t, err, types.ErrEntityNotFound)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&types.EntityNotFoundError{Kind: "recipe", ID: "x"}, exitUserError},
		{&types.StaleStateError{Kind: "recipe", ID: "x", Expected: 1, Actual: 2}, exitUserError},
		{fmt.Errorf("flush: %w", &types.ConstraintViolationError{Op: "link"}), exitUserError},
		{types.ErrUnknownKind, exitUserError},
		{errors.New("disk on fire"), exitSysError},
		{types.ErrStoreDetached, exitSysError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
