package proc

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillByNameRequiresName(t *testing.T) {
	err := OSKiller{}.KillByName(context.Background(), "  ")
	require.Error(t, err)
}

func TestKillByNameNoMatchIsNotAnError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("pkill semantics only")
	}
	if _, err := exec.LookPath("pkill"); err != nil {
		t.Skip("pkill not installed")
	}

	err := OSKiller{}.KillByName(context.Background(), "roundtrip-no-such-process-xyz")
	assert.NoError(t, err)
}

func TestKillTreeReachesGrandchildren(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell fixture")
	}
	// The backgrounded sleep inherits stdout, so Wait returns only once
	// the grandchild is gone too.
	var out bytes.Buffer
	cmd := exec.Command("/bin/sh", "-c", "sleep 30 & wait")
	cmd.Stdout = &out
	Isolate(cmd)
	require.NoError(t, cmd.Start())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	require.NoError(t, KillTree(cmd))
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("process group survived KillTree")
	}
}

func TestKillTreeNotStarted(t *testing.T) {
	assert.ErrorIs(t, KillTree(exec.Command("true")), os.ErrProcessDone)
}
