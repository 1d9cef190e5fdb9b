// Package cmdloop implements the single-task command loop a front-end
// drives the service façade through: a channel of Commands in, a
// channel of Results out, with Quit and a send-failure both ending the
// loop cleanly.
package cmdloop

import (
	"context"
	"strings"

	"github.com/wottorun/wotto/internal/names"
	"github.com/wottorun/wotto/internal/service"
)

// Kind discriminates the Command sum type.
type Kind int

const (
	// LoadModule loads wasmBytes under canonical/domain/user, or — if
	// URL is set — resolves and loads from that URL instead.
	LoadModule Kind = iota
	// RunModule invokes EntryPoint on Name with Input.
	RunModule
	// Quit ends the loop after this command is processed.
	Quit
	// Idle is a no-op, used to keep a polling front-end's loop alive
	// without forcing a Load or Run.
	Idle
)

// Command is the sum type the loop consumes. Only the fields relevant
// to Kind are read.
type Command struct {
	Kind Kind

	// LoadModule / RunModule
	Name string
	URL  string

	// LoadModule
	WasmBytes []byte

	// RunModule
	EntryPoint string
	Input      []byte
}

// Result is sent back for every Command except Quit and Idle.
type Result struct {
	FQN    string
	Output []byte
	Err    error
}

// Run drains cmds until a Quit command, ctx cancellation, or a failed
// send on results. It returns the reason the loop ended.
func Run(ctx context.Context, svc *service.Service, cmds <-chan Command, results chan<- Result) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-cmds:
			if !ok {
				return nil
			}
			if done, err := handle(ctx, svc, cmd, results); done {
				return err
			}
		}
	}
}

// handle processes one command, returning done=true once the loop
// should stop (Quit, or a send on results abandoned because ctx is done).
func handle(ctx context.Context, svc *service.Service, cmd Command, results chan<- Result) (done bool, err error) {
	switch cmd.Kind {
	case Quit:
		return true, nil
	case Idle:
		return false, nil
	case LoadModule:
		return !trySend(ctx, results, runLoad(ctx, svc, cmd)), nil
	case RunModule:
		return !trySend(ctx, results, runInvoke(ctx, svc, cmd)), nil
	default:
		return false, nil
	}
}

func runLoad(ctx context.Context, svc *service.Service, cmd Command) Result {
	if cmd.URL != "" {
		fqn, err := svc.LoadFromURL(ctx, cmd.URL)
		return Result{FQN: string(fqn), Err: err}
	}

	canonical, err := names.CanonicalNameFromString(cmd.Name)
	if err != nil {
		return Result{Err: err}
	}
	domain, user := names.Builtin, ""
	if idx := strings.LastIndex(cmd.Name, "/"); idx >= 0 {
		domain, user = names.Github, cmd.Name[:idx]
	}
	fqn, err := svc.LoadBytes(ctx, domain, user, canonical, cmd.WasmBytes)
	return Result{FQN: string(fqn), Err: err}
}

func runInvoke(ctx context.Context, svc *service.Service, cmd Command) Result {
	res, err := svc.Run(ctx, cmd.Name, cmd.EntryPoint, cmd.Input)
	if err != nil {
		return Result{FQN: cmd.Name, Err: err}
	}
	return Result{FQN: cmd.Name, Output: res.Output}
}

// trySend delivers r on results, reporting whether the send succeeded.
// The send waits for a reader; it fails only when ctx is done, which
// ends the loop.
func trySend(ctx context.Context, results chan<- Result, r Result) bool {
	select {
	case results <- r:
		return true
	case <-ctx.Done():
		return false
	}
}
