//go:build !no_macro

package macro

import (
	"context"
	"log/slog"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
)

// run is the Go side of one macro execution. Lua calls back into it on the
// goroutine running the script, so it needs no locking.
type run struct {
	ctx    context.Context
	ctl    Controller
	logger *slog.Logger
	logs   []string
	err    error // first engine error, raised into Lua
}

// registerModules installs the `av` and `ir` globals.
func registerModules(L *lua.LState, rs *run) {
	avMod := L.NewTable()
	avMod.RawSetString("execute", L.NewFunction(rs.execute))
	avMod.RawSetString("zone", L.NewFunction(rs.zone))
	avMod.RawSetString("sleep", L.NewFunction(rs.sleep))
	avMod.RawSetString("log", L.NewFunction(rs.log))
	L.SetGlobal("av", avMod)

	irMod := L.NewTable()
	irMod.RawSetString("play", L.NewFunction(rs.play))
	L.SetGlobal("ir", irMod)
}

// fail records err and raises it as a Lua error, which aborts the script
// unless it is caught with pcall.
func (rs *run) fail(L *lua.LState, err error) {
	if rs.err == nil {
		rs.err = err
	}
	L.RaiseError("%s", err.Error())
}

func zoneTable(L *lua.LState, z av.Zone) lua.LValue {
	return goToLua(L, map[string]interface{}{
		"device":     z.DeviceID,
		"zone":       z.Index,
		"source":     z.Source,
		"volume":     z.Volume,
		"mute":       z.Mute,
		"optimistic": z.Optimistic,
	})
}

// av.execute(device, zone, action [, value]) -> zone table
func (rs *run) execute(L *lua.LState) int {
	device := L.CheckString(1)
	zone := L.CheckInt(2)
	action := av.Action(L.CheckString(3))

	var p av.Params
	switch action {
	case av.ActionSetSource:
		p.Source = L.CheckInt(4)
	case av.ActionSetVolume:
		p.Volume = L.CheckInt(4)
	case av.ActionSetMute:
		p.Mute = L.CheckBool(4)
	}

	z, err := rs.ctl.Execute(rs.ctx, device, zone, action, p)
	if err != nil {
		rs.fail(L, err)
		return 0
	}
	L.Push(zoneTable(L, z))
	return 1
}

// av.zone(device, zone) -> zone table
func (rs *run) zone(L *lua.LState) int {
	z, err := rs.ctl.Zone(L.CheckString(1), L.CheckInt(2))
	if err != nil {
		rs.fail(L, err)
		return 0
	}
	L.Push(zoneTable(L, z))
	return 1
}

// ir.play(profile, button)
func (rs *run) play(L *lua.LState) int {
	if err := rs.ctl.Play(rs.ctx, L.CheckString(1), L.CheckString(2)); err != nil {
		rs.fail(L, err)
	}
	return 0
}

// av.sleep(seconds)
func (rs *run) sleep(L *lua.LState) int {
	secs := float64(L.CheckNumber(1))
	if secs < 0 {
		L.ArgError(1, "negative duration")
		return 0
	}
	t := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
	case <-rs.ctx.Done():
		rs.fail(L, rs.ctx.Err())
	}
	return 0
}

// av.log(...)
func (rs *run) log(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	msg := strings.Join(parts, " ")
	rs.logs = append(rs.logs, msg)
	rs.logger.Info("macro log", "msg", msg)
	return 0
}
