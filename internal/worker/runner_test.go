package worker

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/switchboard/internal/model"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func shell(script string) *ProcessRunner {
	return &ProcessRunner{Command: []string{"/bin/sh", "-c", script}, KillGrace: time.Second}
}

func TestProcessRunner_StdinAndEnv(t *testing.T) {
	requireShell(t)
	job := &model.Job{
		ID:          "job_1714554000_0000abcd",
		Task:        "summarize the logs",
		SessionCode: "abc",
		Messages:    []model.Message{{Role: "user", Content: "only errors"}},
	}

	var pgid int
	res := shell(`cat; echo "id=$SWITCHBOARD_JOB_ID code=$SWITCHBOARD_SESSION_CODE task=$TASK"`).
		Run(context.Background(), job, func(p int) { pgid = p })

	require.NoError(t, res.SpawnErr)
	require.NoError(t, res.Err)
	assert.Zero(t, res.ExitCode)
	assert.Contains(t, res.Output, "summarize the logs\n")
	assert.Contains(t, res.Output, "user: only errors")
	assert.Contains(t, res.Output, "id=job_1714554000_0000abcd code=abc task=summarize the logs")
	assert.Positive(t, pgid)
	assert.Equal(t, pgid, res.PGID)
}

func TestProcessRunner_NonZeroExit(t *testing.T) {
	requireShell(t)
	res := shell(`echo failing >&2; exit 3`).Run(context.Background(), &model.Job{Task: "t"}, nil)
	require.NoError(t, res.SpawnErr)
	require.Error(t, res.Err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "failing\n", res.Output)
}

func TestProcessRunner_SpawnErrors(t *testing.T) {
	res := (&ProcessRunner{}).Run(context.Background(), &model.Job{Task: "t"}, nil)
	assert.Error(t, res.SpawnErr)

	res = (&ProcessRunner{Command: []string{"/nonexistent/agent-binary"}}).Run(context.Background(), &model.Job{Task: "t"}, nil)
	assert.Error(t, res.SpawnErr)
	assert.Zero(t, res.PGID)
}

func TestProcessRunner_CancelTerminatesGroup(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := shell(`echo started; sleep 30 & sleep 30; wait`).Run(ctx, &model.Job{Task: "t"}, nil)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Error(t, res.Err)
	assert.Contains(t, res.Output, "started")
}

func TestProcessRunner_OutputIsBounded(t *testing.T) {
	requireShell(t)
	r := shell(`printf '%0100d' 0`)
	r.MaxOutput = 10
	res := r.Run(context.Background(), &model.Job{Task: "t"}, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, strings.Repeat("0", 10)+truncatedMarker, res.Output)
}

func TestBoundedBuffer(t *testing.T) {
	b := &boundedBuffer{limit: 5}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = b.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcde"+truncatedMarker, b.String())

	unlimited := &boundedBuffer{}
	_, _ = unlimited.Write([]byte(strings.Repeat("x", 1000)))
	assert.Len(t, unlimited.String(), 1000)
}

func TestStdinFor(t *testing.T) {
	got := stdinFor(&model.Job{Task: "deploy", Messages: []model.Message{{Role: "user", Content: "to staging"}}})
	assert.Equal(t, "deploy\n\nuser: to staging\n", got)
}
