//go:build !no_macro

package macro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
)

// Controller is the engine surface macros may drive.
type Controller interface {
	Execute(ctx context.Context, deviceID string, zone int, action av.Action, p av.Params) (av.Zone, error)
	Zone(deviceID string, zone int) (av.Zone, error)
	Play(ctx context.Context, profileID, button string) error
}

// Result is the outcome of one macro run.
type Result struct {
	Logs     []string      `json:"logs"`
	Duration time.Duration `json:"duration"`
}

// Runner executes macros in fresh sandboxed Lua states, one state per run.
type Runner struct {
	ctl     Controller
	mgr     *Manager
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// NewRunner creates a runner. Every run is bounded by timeout.
func NewRunner(ctl Controller, mgr *Manager, timeout time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		ctl:     ctl,
		mgr:     mgr,
		timeout: timeout,
		logger:  logger.With("component", "macro"),
		running: make(map[string]bool),
	}
}

// List returns the IDs of all macros.
func (r *Runner) List() ([]string, error) {
	macros, err := r.mgr.List()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(macros))
	for _, m := range macros {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// Run executes the macro with the given ID.
func (r *Runner) Run(ctx context.Context, id string) error {
	_, err := r.Exec(ctx, id)
	return err
}

// Exec executes the macro with the given ID and returns its log output. A
// macro that is already running fails with av.ErrBusy.
func (r *Runner) Exec(ctx context.Context, id string) (*Result, error) {
	m, err := r.mgr.Get(id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.running[id] {
		r.mu.Unlock()
		return nil, fmt.Errorf("macro %s is already running: %w", id, av.ErrBusy)
	}
	r.running[id] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, id)
		r.mu.Unlock()
	}()

	res, err := r.RunCode(ctx, m.LuaCode)
	if err != nil {
		r.logger.Warn("macro failed", "id", id, "kind", av.KindOf(err), "err", err, "duration", res.Duration)
		return res, fmt.Errorf("macro %s: %w", id, err)
	}
	r.logger.Info("macro finished", "id", id, "name", m.Meta.Name, "logs", len(res.Logs), "duration", res.Duration)
	return res, nil
}

// RunCode executes Lua source in a sandboxed state. The returned Result is
// never nil.
func (r *Runner) RunCode(ctx context.Context, code string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	L := newState()
	defer L.Close()
	L.SetContext(ctx)

	rs := &run{ctx: ctx, ctl: r.ctl, logger: r.logger}
	registerModules(L, rs)

	start := time.Now()
	err := L.DoString(code)
	res := &Result{Logs: rs.logs, Duration: time.Since(start)}
	if err == nil {
		return res, nil
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return res, fmt.Errorf("exceeded %s: %w", r.timeout, av.ErrTimeout)
	case ctx.Err() != nil:
		return res, ctx.Err()
	case rs.err != nil:
		return res, rs.err
	}
	return res, fmt.Errorf("lua: %w", err)
}

// newState returns a Lua state without filesystem, process or module access.
func newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "loadstring", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// goToLua converts plain Go values to Lua values.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
