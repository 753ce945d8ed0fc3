// Package launcher starts the external game-server process that hosts a dungeon.
package launcher

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/argus-labs/dungeon-crawler/pkg/maps"
)

// Spec describes the instance to start.
type Spec struct {
	DungeonID   string
	MatchID     string
	MapID       maps.ID
	MapKey      string
	AssetPath   string
	Host        string
	Port        int
	ReadyURL    string
	ReadySecret string
}

// Env returns the variables passed to the game server.
func (s Spec) Env() map[string]string {
	return map[string]string{
		"DUNGEON_ID":           s.DungeonID,
		"MATCH_ID":             s.MatchID,
		"MAP_ID":               s.MapID.String(),
		"MAP_KEY":              s.MapKey,
		"MAP_ASSET_PATH":       s.AssetPath,
		"DUNGEON_HOST":         s.Host,
		"DUNGEON_PORT":         strconv.Itoa(s.Port),
		"DUNGEON_READY_URL":    s.ReadyURL,
		"DUNGEON_READY_SECRET": s.ReadySecret,
	}
}

// Process is a started game server.
type Process interface {
	PID() int
	// Wait blocks until the process exits and returns its exit code. A process killed by a
	// signal reports -1.
	Wait() (int, error)
	Kill() error
}

// Launcher starts game servers.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// Exec launches a configured command. Arguments may reference the Spec variables, for example
// "-port=$DUNGEON_PORT".
type Exec struct {
	Command string
	Args    []string
	Dir     string
	Stdout  io.Writer
	Stderr  io.Writer
}

var _ Launcher = (*Exec)(nil)

func (e *Exec) Launch(_ context.Context, spec Spec) (Process, error) {
	if e.Command == "" {
		return nil, eris.New("no game server command configured")
	}

	vars := spec.Env()
	lookup := func(key string) string {
		if v, ok := vars[key]; ok {
			return v
		}
		return os.Getenv(key)
	}
	args := make([]string, len(e.Args))
	for i, arg := range e.Args {
		args[i] = os.Expand(arg, lookup)
	}

	// Not tied to the request context: the server outlives the call that started it and is
	// stopped through Kill.
	cmd := exec.Command(e.Command, args...) //nolint:gosec // command comes from operator config
	cmd.Dir = e.Dir
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	cmd.Env = os.Environ()
	for k, v := range vars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		return nil, eris.Wrapf(err, "failed to start %s", e.Command)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	waitOnce sync.Once
	code     int
	err      error
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			p.code = 0
		case errors.As(err, &exitErr):
			p.code = exitErr.ExitCode()
		default:
			p.code, p.err = -1, eris.Wrap(err, "failed to wait for game server")
		}
	})
	return p.code, p.err
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return eris.Wrap(err, "failed to kill game server")
	}
	return nil
}
