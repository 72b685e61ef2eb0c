package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/msageha/switchboard/internal/model"
)

// RunResult is what a Runner reports once the process is gone.
type RunResult struct {
	Output   string
	ExitCode int
	// SpawnErr is set when the process could not be started.
	SpawnErr error
	// Err is the wait error for a started process, nil on exit 0.
	Err  error
	PGID int
}

// Runner executes one job. Cancelling ctx must terminate the work. started
// is called with the process group id once the process is running.
type Runner interface {
	Run(ctx context.Context, job *model.Job, started func(pgid int)) RunResult
}

// ProcessRunner runs the agent executable in its own process group. The task
// text is written to stdin and exported as $TASK.
type ProcessRunner struct {
	Command   []string
	WorkDir   string
	Env       []string
	KillGrace time.Duration
	MaxOutput int
}

const truncatedMarker = "\n[output truncated]"

func (r *ProcessRunner) Run(ctx context.Context, job *model.Job, started func(pgid int)) RunResult {
	if len(r.Command) == 0 {
		return RunResult{SpawnErr: errors.New("no agent command configured")}
	}

	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Dir = r.WorkDir
	cmd.Env = append(append(os.Environ(), r.Env...), jobEnv(job)...)
	cmd.Stdin = strings.NewReader(stdinFor(job))
	out := &boundedBuffer{limit: r.MaxOutput}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	grace := r.KillGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	var escalate *time.Timer
	var escMu sync.Mutex
	cmd.Cancel = func() error {
		pid := cmd.Process.Pid
		err := unix.Kill(-pid, unix.SIGTERM)
		escMu.Lock()
		escalate = time.AfterFunc(grace, func() { _ = unix.Kill(-pid, unix.SIGKILL) })
		escMu.Unlock()
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = grace + time.Second

	if err := cmd.Start(); err != nil {
		return RunResult{SpawnErr: err}
	}
	pgid := cmd.Process.Pid
	if started != nil {
		started(pgid)
	}

	err := cmd.Wait()
	escMu.Lock()
	if escalate != nil {
		escalate.Stop()
	}
	escMu.Unlock()

	// A clean exit whose stdout is still held open by a background child.
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		err = nil
	}

	res := RunResult{Output: out.String(), Err: err, PGID: pgid}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else if err != nil {
		res.ExitCode = -1
	}
	return res
}

func jobEnv(job *model.Job) []string {
	env := []string{
		"TASK=" + job.Task,
		"SWITCHBOARD_JOB_ID=" + job.ID,
		"SWITCHBOARD_SOURCE=" + string(job.Source),
		"SWITCHBOARD_CHANNEL_ID=" + job.ChannelID,
		"SWITCHBOARD_SESSION_CODE=" + job.SessionCode,
		"SWITCHBOARD_COMMAND=" + job.Command,
		"SWITCHBOARD_RETRY_COUNT=" + fmt.Sprint(job.RetryCount),
	}
	if len(job.Input) > 0 {
		env = append(env, "SWITCHBOARD_INPUT="+string(job.Input))
	}
	if len(job.Messages) > 0 {
		if raw, err := json.Marshal(job.Messages); err == nil {
			env = append(env, "SWITCHBOARD_MESSAGES="+string(raw))
		}
	}
	return env
}

// stdinFor is the task followed by any clarification transcript.
func stdinFor(job *model.Job) string {
	var b strings.Builder
	b.WriteString(job.Task)
	b.WriteByte('\n')
	for _, m := range job.Messages {
		fmt.Fprintf(&b, "\n%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// boundedBuffer keeps the first limit bytes written to it.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + truncatedMarker
	}
	return b.buf.String()
}

// groupAlive reports whether any process remains in group pgid.
func groupAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	err := unix.Kill(-pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func terminateGroup(pgid int) error {
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
