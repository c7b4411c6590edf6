package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"qingping-go-cloud/internal/coordinator"
)

// Lua-visible event types.
const (
	luaEventProperty   = "property"
	luaEventSnapshot   = "snapshot"
	luaEventPollFailed = "poll_failed"
)

// luaHandler is a registered Lua callback with its match filters.
type luaHandler struct {
	event string
	mac   string // filter for property events; empty = any device
	attr  string // filter for property events; empty = any attribute
	fn    *lua.LFunction
}

// scriptVM is a running Lua VM for a single script. All access to the LState
// goes through the commands channel, so Lua never runs concurrently.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	handlers []luaHandler
}

// Engine runs Lua rule scripts against the device model: scripts register
// handlers for property updates and poll failures, and can read values and
// availability from the store.
type Engine struct {
	coord  *coordinator.Coordinator
	logger *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	wg    sync.WaitGroup
	unsub func()
}

// NewEngine creates an automation engine.
func NewEngine(coord *coordinator.Coordinator, logger *slog.Logger) *Engine {
	return &Engine{
		coord:  coord,
		logger: logger.With("component", "automation"),
		vms:    make(map[string]*scriptVM),
	}
}

// Start loads all scripts from dir and subscribes to coordinator events.
func (e *Engine) Start(dir string) error {
	scripts, err := LoadDir(dir)
	if err != nil {
		return err
	}

	for _, s := range scripts {
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.unsub = e.coord.Events().OnAll(e.dispatchEvent)
	e.logger.Info("automation engine started", "scripts", len(e.vms))
	return nil
}

// Stop cancels all VMs and unsubscribes from the event bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("automation engine stopped")
}

// Running returns the IDs of scripts with a live VM.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())

	L := lua.NewState()

	// Sandbox: rule scripts get no filesystem, process, or loader access.
	for _, g := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(g, lua.LNil)
	}

	vm := &scriptVM{
		id:       s.ID,
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerSensorModule(L, vm, e)

	// Top-level code runs once and registers handlers.
	if err := L.DoString(s.Source); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				e.runProtected(vm, fn)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID)
	return nil
}

// runProtected executes one command against the VM, recovering panics so a
// broken script cannot take down the engine.
func (e *Engine) runProtected(vm *scriptVM, fn func(*lua.LState)) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("script panic", "id", vm.id, "panic", r)
		}
	}()
	fn(vm.state)
}

// dispatchEvent translates coordinator events into Lua handler calls.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventDeviceUpdated:
		data, ok := event.Data.(map[string]interface{})
		if !ok {
			return
		}
		mac, _ := data["mac"].(string)
		attrs, _ := data["attributes"].([]string)
		for _, attr := range attrs {
			e.fireProperty(mac, attr)
		}
	case coordinator.EventSnapshotReplaced:
		e.fireSimple(luaEventSnapshot)
	case coordinator.EventPollFailed:
		e.fireSimple(luaEventPollFailed)
	}
}

// fireProperty calls every matching on_property handler with the current
// store value, read at dispatch time so handlers see the applied state.
func (e *Engine) fireProperty(mac, attr string) {
	dev, ok := e.coord.Store().DeviceByMAC(mac)
	if !ok {
		return
	}
	prop, ok := dev.GetProperty(attr)
	if !ok {
		return
	}

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		matched := make([]*lua.LFunction, 0, len(vm.handlers))
		for _, h := range vm.handlers {
			if h.event != luaEventProperty {
				continue
			}
			if h.mac != "" && h.mac != mac {
				continue
			}
			if h.attr != "" && h.attr != attr {
				continue
			}
			matched = append(matched, h.fn)
		}
		vm.mu.Unlock()

		for _, fn := range matched {
			f := fn
			vm.enqueue(func(L *lua.LState) {
				tbl := L.NewTable()
				tbl.RawSetString("type", lua.LString(luaEventProperty))
				tbl.RawSetString("mac", lua.LString(mac))
				tbl.RawSetString("name", lua.LString(attr))
				tbl.RawSetString("value", toLuaValue(L, prop.Value))
				tbl.RawSetString("status", lua.LNumber(prop.Status))
				e.callHandler(vm, L, f, tbl)
			})
		}
	}
}

// fireSimple calls handlers that take only an event type (snapshot
// replacement, poll failure).
func (e *Engine) fireSimple(eventType string) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		matched := make([]*lua.LFunction, 0, len(vm.handlers))
		for _, h := range vm.handlers {
			if h.event == eventType {
				matched = append(matched, h.fn)
			}
		}
		vm.mu.Unlock()

		for _, fn := range matched {
			f := fn
			vm.enqueue(func(L *lua.LState) {
				tbl := L.NewTable()
				tbl.RawSetString("type", lua.LString(eventType))
				e.callHandler(vm, L, f, tbl)
			})
		}
	}
}

func (e *Engine) callHandler(vm *scriptVM, L *lua.LState, fn *lua.LFunction, arg lua.LValue) {
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, arg); err != nil {
		e.logger.Warn("script handler error", "id", vm.id, "err", err)
	}
}

// enqueue hands a command to the VM goroutine, dropping it if the script is
// stopped or its queue is full.
func (vm *scriptVM) enqueue(fn func(*lua.LState)) {
	select {
	case vm.commands <- fn:
	case <-vm.ctx.Done():
	default:
	}
}

// toLuaValue converts a property value to a Lua value.
func toLuaValue(L *lua.LState, v any) lua.LValue {
	switch n := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(n)
	case float64:
		return lua.LNumber(n)
	case float32:
		return lua.LNumber(n)
	case int:
		return lua.LNumber(n)
	case int64:
		return lua.LNumber(n)
	case string:
		return lua.LString(n)
	default:
		return lua.LString(fmt.Sprintf("%v", n))
	}
}
