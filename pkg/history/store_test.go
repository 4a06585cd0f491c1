package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/roundtrip/pkg/doctype"
	"github.com/3leaps/roundtrip/pkg/pipeline"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "state", DefaultFileName)}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{}, nil)
	require.Error(t, err)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	ctx := context.Background()

	s, err := Open(ctx, Config{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, s.BeginRun(ctx, Run{RunID: "r1", Application: "word", BaseDir: "/corpus", Stages: 3, Status: "running"}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Path: path}, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].RunID)
}

func TestRunLifecycle(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	older := time.Now().Add(-time.Hour)
	require.NoError(t, s.BeginRun(ctx, Run{RunID: "old", Application: "excel", BaseDir: "/c", Stages: 1, Status: "running", StartedAt: older}))
	require.NoError(t, s.BeginRun(ctx, Run{RunID: "new", Application: "word", BaseDir: "/c", Stages: 3, Status: "running"}))

	summary := &pipeline.Summary{
		RunID:       "new",
		Application: doctype.Word,
		Stages:      3,
		Types:       []pipeline.TypeStats{{FileType: "docx", Total: 3, Tested: 3, Succeeded: 2, FailOpenConverted: 1}},
	}
	require.NoError(t, s.FinishRun(ctx, "new", "partial", summary))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].RunID)
	assert.Equal(t, "partial", runs[0].Status)
	assert.False(t, runs[0].EndedAt.IsZero())
	require.NotNil(t, runs[0].Summary)
	assert.Equal(t, int64(2), runs[0].Summary.Types[0].Succeeded)
	assert.Equal(t, doctype.Word, runs[0].Summary.Application)

	assert.Equal(t, "old", runs[1].RunID)
	assert.Nil(t, runs[1].Summary)

	limited, err := s.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestFinishRun_Unknown(t *testing.T) {
	s := openTemp(t)
	err := s.FinishRun(context.Background(), "missing", "failed", nil)
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestRecordAndQuery(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	a := doctype.WorkItem{Type: "docx", Name: "a.docx"}
	b := doctype.WorkItem{Type: "docx", Name: "b.docx"}
	c := doctype.WorkItem{Type: "doc", Name: "c.doc"}

	s.Record(ctx, pipeline.Outcome{RunID: "r1", Item: a, Stage: pipeline.StageOpenOriginal, Result: pipeline.ResultPass, Elapsed: 1500 * time.Millisecond})
	s.Record(ctx, pipeline.Outcome{RunID: "r1", Item: b, Stage: pipeline.StageOpenOriginal, Result: pipeline.ResultCached})
	s.Record(ctx, pipeline.Outcome{RunID: "r1", Item: a, Stage: pipeline.StageConvert, Result: pipeline.ResultOutage, Tries: 1, Err: errors.New("service down")})
	s.Record(ctx, pipeline.Outcome{RunID: "r2", Item: c, Stage: pipeline.StageOpenOriginal, Result: pipeline.ResultTimeout})

	all, err := s.Outcomes(ctx, Query{RunID: "r1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a.docx", all[0].Name)
	assert.Equal(t, 1500*time.Millisecond, all[0].Elapsed)
	assert.Empty(t, all[0].Error)

	failed, err := s.Outcomes(ctx, Query{FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "outage", failed[0].Result)
	assert.Equal(t, "service down", failed[0].Error)
	assert.Equal(t, "timeout", failed[1].Result)

	byFile, err := s.Outcomes(ctx, Query{FileType: "docx", Name: "a.docx", Stage: string(pipeline.StageConvert)})
	require.NoError(t, err)
	require.Len(t, byFile, 1)
	assert.Equal(t, 1, byFile[0].Tries)

	limited, err := s.Outcomes(ctx, Query{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStore_ImplementsRecorder(t *testing.T) {
	var _ pipeline.Recorder = (*Store)(nil)
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(context.Background(), Config{Path: ":memory:"}, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	s.Record(context.Background(), pipeline.Outcome{RunID: "m", Item: doctype.WorkItem{Type: "xls", Name: "x.xls"}, Stage: pipeline.StageConvert, Result: pipeline.ResultFail})
	rows, err := s.Outcomes(context.Background(), Query{RunID: "m"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
