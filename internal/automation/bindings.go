package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerSensorModule installs the `qingping` table into a script VM.
//
//	qingping.on_property(mac, attr, fn) -- "*" matches any
//	qingping.on_snapshot(fn)
//	qingping.on_poll_failed(fn)
//	qingping.get(mac, attr)       -- raw value or nil
//	qingping.available(mac, attr) -- freshness verdict
//	qingping.devices()            -- array of MACs
//	qingping.log(msg)
func registerSensorModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on_property", L.NewFunction(func(L *lua.LState) int {
		mac := L.CheckString(1)
		attr := L.CheckString(2)
		fn := L.CheckFunction(3)
		if mac == "*" {
			mac = ""
		}
		if attr == "*" {
			attr = ""
		}
		vm.mu.Lock()
		vm.handlers = append(vm.handlers, luaHandler{event: luaEventProperty, mac: mac, attr: attr, fn: fn})
		vm.mu.Unlock()
		return 0
	}))

	mod.RawSetString("on_snapshot", L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		vm.mu.Lock()
		vm.handlers = append(vm.handlers, luaHandler{event: luaEventSnapshot, fn: fn})
		vm.mu.Unlock()
		return 0
	}))

	mod.RawSetString("on_poll_failed", L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		vm.mu.Lock()
		vm.handlers = append(vm.handlers, luaHandler{event: luaEventPollFailed, fn: fn})
		vm.mu.Unlock()
		return 0
	}))

	mod.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		mac := L.CheckString(1)
		attr := L.CheckString(2)
		dev, ok := e.coord.Store().DeviceByMAC(mac)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		prop, ok := dev.GetProperty(attr)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(toLuaValue(L, prop.Value))
		return 1
	}))

	mod.RawSetString("available", L.NewFunction(func(L *lua.LState) int {
		mac := L.CheckString(1)
		attr := L.CheckString(2)
		L.Push(lua.LBool(e.coord.Store().Available(mac, attr, time.Now())))
		return 1
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		tbl := L.NewTable()
		for _, dev := range e.coord.Store().Devices() {
			tbl.Append(lua.LString(dev.MAC))
		}
		L.Push(tbl)
		return 1
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		e.logger.Info("script log", "id", vm.id, "msg", msg)
		return 0
	}))

	L.SetGlobal("qingping", mod)
}
