// Package work executes tasks. Each task kind has a Handler operating on an
// afero workspace; a Dispatcher routes a task to the handler for its kind.
package work

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/GoCodeAlone/planwright/task"
)

// ErrUnknownKind is returned by Dispatcher for a kind with no handler.
var ErrUnknownKind = errors.New("no handler for task kind")

// Executor runs one task and returns its output.
type Executor interface {
	Execute(ctx context.Context, t *task.Task) (map[string]any, error)
}

// Handler executes tasks of a single kind.
type Handler interface {
	Executor
	Kind() task.Kind
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, t *task.Task) (map[string]any, error)

func (f Func) Execute(ctx context.Context, t *task.Task) (map[string]any, error) { return f(ctx, t) }

type kindFunc struct {
	kind task.Kind
	fn   Func
}

func (k kindFunc) Kind() task.Kind { return k.kind }

func (k kindFunc) Execute(ctx context.Context, t *task.Task) (map[string]any, error) {
	return k.fn(ctx, t)
}

// HandlerFunc returns a Handler for kind backed by fn.
func HandlerFunc(kind task.Kind, fn Func) Handler { return kindFunc{kind: kind, fn: fn} }

// Dispatcher routes tasks to handlers by kind.
type Dispatcher struct {
	handlers map[task.Kind]Handler
}

// NewDispatcher returns a dispatcher over hs. Later handlers replace earlier
// ones of the same kind.
func NewDispatcher(hs ...Handler) *Dispatcher {
	d := &Dispatcher{handlers: make(map[task.Kind]Handler, len(hs))}
	for _, h := range hs {
		d.handlers[h.Kind()] = h
	}
	return d
}

// Execute runs t with the handler registered for t.Kind.
func (d *Dispatcher) Execute(ctx context.Context, t *task.Task) (map[string]any, error) {
	h, ok := d.handlers[t.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, t.Kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.Execute(ctx, t)
}

// Defaults returns the built-in handler for every task kind, all writing
// into fs.
func Defaults(fs afero.Fs) []Handler {
	return []Handler{
		&CreateArtifact{Fs: fs},
		&ModifyArtifact{Fs: fs},
		&ComposeUnit{Fs: fs},
		&Configure{Fs: fs},
		&InstallDependency{Fs: fs},
	}
}

// Workspace returns fs rooted at dir on the host filesystem. Paths that
// would escape dir are rejected by the returned filesystem.
func Workspace(dir string) (afero.Fs, error) {
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return afero.NewBasePathFs(osFs, dir), nil
}

func inputString(t *task.Task, key string, required bool) (string, error) {
	v, ok := t.Inputs[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("input %q is required", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("input %q must be a string, got %T", key, v)
	}
	return s, nil
}

func inputPath(t *task.Task, key string) (string, error) {
	p, err := inputString(t, key, true)
	if err != nil {
		return "", err
	}
	p = filepath.Clean(strings.TrimSpace(p))
	if p == "." || p == "" {
		return "", fmt.Errorf("input %q is empty", key)
	}
	return p, nil
}

func inputBool(t *task.Task, key string) bool {
	b, _ := t.Inputs[key].(bool)
	return b
}

func ensureDir(fs afero.Fs, path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return fs.MkdirAll(dir, 0o750)
}
