package cmd

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/roundtrip/pkg/doctype"
	"github.com/3leaps/roundtrip/pkg/history"
	"github.com/3leaps/roundtrip/pkg/pipeline"
)

func seedHistory(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), history.DefaultFileName)
	ctx := context.Background()
	store, err := history.Open(ctx, history.Config{Path: path}, nil)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.BeginRun(ctx, history.Run{RunID: "run-1234", Application: "word", Stages: 3, Status: "running"}))
	store.Record(ctx, pipeline.Outcome{RunID: "run-1234", Item: doctype.WorkItem{Type: "docx", Name: "a.docx"},
		Stage: pipeline.StageOpenOriginal, Result: pipeline.ResultPass, Tries: 1, Elapsed: 40 * time.Millisecond})
	store.Record(ctx, pipeline.Outcome{RunID: "run-1234", Item: doctype.WorkItem{Type: "docx", Name: "a.docx"},
		Stage: pipeline.StageConvert, Result: pipeline.ResultFail, Tries: 1, Err: errors.New("rejected")})
	return path
}

func setHistoryFlags(t *testing.T, path, runID string, failed bool) {
	t.Helper()
	historyPath, historyRunID, historyFailed = path, runID, failed
	t.Cleanup(func() {
		historyPath, historyRunID, historyFailed, historyJSON = "", "", false, false
	})
}

func TestHistory_ListRuns(t *testing.T) {
	resetViper(t)
	setHistoryFlags(t, seedHistory(t), "", false)

	cmd, out := testCommand()
	require.NoError(t, runHistory(cmd, nil))
	assert.Contains(t, out.String(), "run-1234")
	assert.Contains(t, out.String(), "word")
}

func TestHistory_FailedOutcomesByPrefix(t *testing.T) {
	resetViper(t)
	setHistoryFlags(t, seedHistory(t), "run-", true)

	cmd, out := testCommand()
	require.NoError(t, runHistory(cmd, nil))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "convert")
	assert.Contains(t, lines[1], "rejected")
}

func TestHistory_MissingDatabase(t *testing.T) {
	resetViper(t)
	setHistoryFlags(t, filepath.Join(t.TempDir(), "nope.db"), "", false)

	cmd, _ := testCommand()
	err := runHistory(cmd, nil)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitFileNotFound, exitCode(err))
}
