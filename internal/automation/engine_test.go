package automation

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"qingping-go-cloud/internal/coordinator"
	"qingping-go-cloud/internal/qingping"
)

type fakeCloud struct{}

func (fakeCloud) Connect(context.Context) error { return nil }
func (fakeCloud) ListDevices(context.Context) ([]*qingping.Device, error) {
	return nil, nil
}
func (fakeCloud) ControllerName() string { return "test-cloud" }

// logSink captures qingping.log() output so tests can observe script
// execution, which happens on the VM goroutine.
type logSink struct {
	ch chan string
}

func (s *logSink) Enabled(context.Context, slog.Level) bool { return true }
func (s *logSink) WithAttrs([]slog.Attr) slog.Handler       { return s }
func (s *logSink) WithGroup(string) slog.Handler            { return s }

func (s *logSink) Handle(_ context.Context, r slog.Record) error {
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "msg" {
			select {
			case s.ch <- a.Value.String():
			default:
			}
		}
		return true
	})
	return nil
}

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := coordinator.New(fakeCloud{}, coordinator.Config{}, logger)
	coord.Store().ReplaceSnapshot("test-cloud", []*qingping.Device{{
		MAC:            "AABBCCDDEEFF",
		Name:           "Bedroom",
		ReportInterval: 60,
		Data: map[string]qingping.Property{
			"temperature": {Name: "temperature", Value: 20.0, Status: 0},
			"timestamp":   {Name: "timestamp", Value: float64(time.Now().Unix()), Status: 0},
		},
	}})
	coord.Store().MarkPollSuccess(time.Now())
	return coord
}

func writeScript(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
}

func waitForLog(t *testing.T, sink *logSink, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-sink.ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for script log %q", want)
		}
	}
}

func TestPropertyHandlerFiresOnPush(t *testing.T) {
	coord := newTestCoordinator(t)
	sink := &logSink{ch: make(chan string, 16)}
	e := NewEngine(coord, slog.New(sink))

	dir := t.TempDir()
	writeScript(t, dir, "rule.lua", `
		qingping.on_property("AABBCCDDEEFF", "temperature", function(e)
			qingping.log("temp=" .. tostring(e.value))
		end)
	`)
	if err := e.Start(dir); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	push := []byte(`{"payload":{"info":{"mac":"AABBCCDDEEFF"},"data":[{"temperature":{"value":23.5,"status":0}}]}}`)
	if err := coord.Push().Handle(push); err != nil {
		t.Fatalf("push: %v", err)
	}

	waitForLog(t, sink, "temp=23.5")
}

func TestWildcardHandlerAndStoreReads(t *testing.T) {
	coord := newTestCoordinator(t)
	sink := &logSink{ch: make(chan string, 16)}
	e := NewEngine(coord, slog.New(sink))

	dir := t.TempDir()
	writeScript(t, dir, "rule.lua", `
		qingping.on_property("*", "*", function(e)
			local v = qingping.get(e.mac, e.name)
			local a = qingping.available(e.mac, e.name)
			qingping.log(e.name .. "=" .. tostring(v) .. " avail=" .. tostring(a))
		end)
	`)
	if err := e.Start(dir); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	push := []byte(`{"payload":{"info":{"mac":"AABBCCDDEEFF"},"data":[{"humidity":{"value":45,"status":0}}]}}`)
	if err := coord.Push().Handle(push); err != nil {
		t.Fatalf("push: %v", err)
	}

	waitForLog(t, sink, "humidity=45 avail=true")
}

func TestPollFailedHandler(t *testing.T) {
	coord := newTestCoordinator(t)
	sink := &logSink{ch: make(chan string, 16)}
	e := NewEngine(coord, slog.New(sink))

	dir := t.TempDir()
	writeScript(t, dir, "rule.lua", `
		qingping.on_poll_failed(function(e)
			qingping.log("poll down")
		end)
	`)
	if err := e.Start(dir); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	coord.Events().Emit(coordinator.Event{Type: coordinator.EventPollFailed})
	waitForLog(t, sink, "poll down")
}

func TestBrokenScriptDoesNotBlockOthers(t *testing.T) {
	coord := newTestCoordinator(t)
	e := NewEngine(coord, slog.New(slog.NewTextHandler(io.Discard, nil)))

	dir := t.TempDir()
	// The sandbox nils out os, so this fails at load time.
	writeScript(t, dir, "broken.lua", `os.getenv("HOME")`)
	writeScript(t, dir, "good.lua", `qingping.on_snapshot(function(e) end)`)

	if err := e.Start(dir); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	running := e.Running()
	if len(running) != 1 || running[0] != "good" {
		t.Errorf("Running() = %v, want only the good script", running)
	}
}

func TestMissingScriptsDir(t *testing.T) {
	coord := newTestCoordinator(t)
	e := NewEngine(coord, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := e.Start(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Fatalf("Start with missing dir: %v", err)
	}
	defer e.Stop()
	if len(e.Running()) != 0 {
		t.Error("scripts running from a missing directory")
	}
}
