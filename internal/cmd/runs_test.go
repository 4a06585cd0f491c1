package cmd

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/roundtrip/pkg/runregistry"
)

func seedRuns(t *testing.T) (string, *runregistry.Store) {
	t.Helper()
	resetViper(t)
	base := t.TempDir()
	viper.Set("base_dir", base)
	store := runregistry.NewStore(runsRootDir(base))

	old := time.Now().Add(-30 * 24 * time.Hour).UTC()
	recent := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, store.Write(&runregistry.RunRecord{
		RunID: "aaaa1111-old", State: runregistry.RunStateSuccess, Application: "word", Stages: 3,
		CreatedAt: old, StartedAt: &old, EndedAt: &old,
		Counts: &runregistry.Counts{Tested: 4, Succeeded: 3},
	}))
	require.NoError(t, store.Write(&runregistry.RunRecord{
		RunID: "bbbb2222-new", State: runregistry.RunStatePartial, Application: "excel", Stages: 1,
		CreatedAt: recent, StartedAt: &recent, EndedAt: &recent,
	}))
	return base, store
}

func TestRunsList_Table(t *testing.T) {
	seedRuns(t)
	cmd, out := testCommand()
	cmd.Flags().Bool("json", false, "")

	require.NoError(t, runRunsList(cmd, nil))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "RUN ID"))
	assert.Contains(t, lines[1], "bbbb2222-new")
	assert.Contains(t, lines[2], "aaaa1111-old")
}

func TestRunsList_Empty(t *testing.T) {
	resetViper(t)
	viper.Set("base_dir", t.TempDir())
	cmd, out := testCommand()
	cmd.Flags().Bool("json", false, "")

	require.NoError(t, runRunsList(cmd, nil))
	assert.Equal(t, "No runs found\n", out.String())
}

func TestRunsStatus_PrefixAndJSON(t *testing.T) {
	seedRuns(t)
	cmd, out := testCommand()
	cmd.Flags().Bool("json", true, "")

	require.NoError(t, runRunsStatus(cmd, []string{"aaaa"}))
	var rec runregistry.RunRecord
	require.NoError(t, json.Unmarshal(out.Bytes(), &rec))
	assert.Equal(t, "aaaa1111-old", rec.RunID)
	require.NotNil(t, rec.Counts)
	assert.Equal(t, int64(3), rec.Counts.Succeeded)
}

func TestRunsStatus_NotFound(t *testing.T) {
	seedRuns(t)
	cmd, _ := testCommand()
	cmd.Flags().Bool("json", false, "")

	err := runRunsStatus(cmd, []string{"zzzz"})
	require.Error(t, err)
	assert.Equal(t, foundry.ExitFileNotFound, exitCode(err))
}

func TestResolveRunID_Ambiguous(t *testing.T) {
	_, store := seedRuns(t)
	now := time.Now().UTC()
	require.NoError(t, store.Write(&runregistry.RunRecord{RunID: "aaaa9999", State: runregistry.RunStateFailed, CreatedAt: now}))

	_, err := resolveRunID(store, "aaaa")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestRunsGC(t *testing.T) {
	_, store := seedRuns(t)

	newGCCmd := func(dryRun bool) *testCmd {
		cmd, out := testCommand()
		cmd.Flags().Duration("max-age", 7*24*time.Hour, "")
		cmd.Flags().Bool("dry-run", dryRun, "")
		cmd.Flags().Bool("json", false, "")
		return &testCmd{cmd: cmd, out: out}
	}

	dry := newGCCmd(true)
	require.NoError(t, runRunsGC(dry.cmd, nil))
	assert.Equal(t, "Would delete 1 run(s)\n", dry.out.String())
	_, err := os.Stat(store.RunDir("aaaa1111-old"))
	require.NoError(t, err)

	apply := newGCCmd(false)
	require.NoError(t, runRunsGC(apply.cmd, nil))
	assert.Equal(t, "Deleted 1 run(s)\n", apply.out.String())
	_, err = os.Stat(store.RunDir("aaaa1111-old"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(store.RunDir("bbbb2222-new"))
	assert.NoError(t, err)
}
