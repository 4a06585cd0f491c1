package cmd

import (
	"errors"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/roundtrip/pkg/doctype"
	"github.com/3leaps/roundtrip/pkg/pipeline"
	"github.com/3leaps/roundtrip/pkg/runregistry"
)

func TestRun_DryRunPrintsConfig(t *testing.T) {
	resetViper(t)
	base := t.TempDir()
	viper.Set("application", "excel")
	viper.Set("base_dir", base)
	viper.Set("stages", 1)

	runDryRun = true
	defer func() { runDryRun = false }()

	cmd, out := testCommand()
	require.NoError(t, runRun(cmd, nil))

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "excel", got["application"])
	assert.Equal(t, base, got["base_dir"])
	assert.Equal(t, 1, got["stages"])
}

func TestRun_InvalidConfig(t *testing.T) {
	resetViper(t)
	viper.Set("application", "notepad")
	viper.Set("base_dir", t.TempDir())

	cmd, _ := testCommand()
	err := runRun(cmd, nil)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(err))
}

func TestRun_RequiresBridgeCommand(t *testing.T) {
	resetViper(t)
	viper.Set("application", "word")
	viper.Set("base_dir", t.TempDir())
	viper.Set("stages", 1)

	cmd, _ := testCommand()
	err := runRun(cmd, nil)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(err))
	assert.Contains(t, err.Error(), "bridge_command")
}

func TestFinalState(t *testing.T) {
	clean := &pipeline.Summary{Application: doctype.Word, Types: []pipeline.TypeStats{{FileType: "docx", Tested: 2, Succeeded: 2}}}
	failing := &pipeline.Summary{Application: doctype.Word, Types: []pipeline.TypeStats{{FileType: "docx", Tested: 2, FailConvert: 1, Succeeded: 1}}}
	interrupted := &pipeline.Summary{Interrupted: true}

	tests := []struct {
		name      string
		summary   *pipeline.Summary
		runErr    error
		cancelled bool
		want      runregistry.RunState
	}{
		{name: "clean", summary: clean, want: runregistry.RunStateSuccess},
		{name: "failures", summary: failing, want: runregistry.RunStatePartial},
		{name: "signal", summary: interrupted, runErr: errors.New("context canceled"), cancelled: true, want: runregistry.RunStateInterrupted},
		{name: "restart failed", summary: interrupted, runErr: errors.New("restart application"), want: runregistry.RunStateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, finalState(tt.summary, tt.runErr, tt.cancelled))
		})
	}
}

func TestCountsFromStats(t *testing.T) {
	got := countsFromStats([]pipeline.TypeStats{
		{FileType: "doc", Total: 3, Tested: 3, FailOpen: 1, Succeeded: 2},
		{FileType: "odt", Total: 2, Tested: 2, FailConvert: 1, FailOpenConverted: 1},
	})
	assert.Equal(t, runregistry.Counts{Total: 5, Tested: 5, FailOpen: 1, FailConvert: 1, FailOpenConverted: 1, Succeeded: 2}, got)
}
