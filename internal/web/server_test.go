package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer builds a server over a coordinator seeded with one device
// whose last report is current, with the poll marked successful.
func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *coordinator.Coordinator) {
	t.Helper()
	coord := coordinator.New(fakeCloud{}, coordinator.Config{}, testLogger())
	coord.Store().ReplaceSnapshot("test-cloud", []*qingping.Device{{
		MAC:            "AABBCCDDEEFF",
		Name:           "Bedroom",
		ProductEnName:  "Air Monitor",
		ReportInterval: 60,
		Data: map[string]qingping.Property{
			"temperature": {Name: "temperature", Value: 21.5, Status: 0},
			"timestamp":   {Name: "timestamp", Value: float64(time.Now().Unix()), Status: 0},
		},
	}})
	coord.Store().MarkPollSuccess(time.Now())

	srv := NewServer(coord, testLogger(), opts...)
	t.Cleanup(srv.Stop)
	return srv, coord
}

func TestListDevices(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/devices", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var views []DeviceView
	if err := json.NewDecoder(rec.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d devices", len(views))
	}
	v := views[0]
	if v.MAC != "AABBCCDDEEFF" || v.MACFormatted != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("mac fields = %q / %q", v.MAC, v.MACFormatted)
	}
	if len(v.Properties) != 2 {
		t.Fatalf("got %d properties", len(v.Properties))
	}
	// Sorted by name: temperature before timestamp.
	temp := v.Properties[0]
	if temp.Name != "temperature" || temp.Title != "Temperature" || temp.Unit != "°C" {
		t.Errorf("property view = %+v", temp)
	}
	if temp.Value == nil || *temp.Value != 21.5 {
		t.Errorf("value = %v, want 21.5", temp.Value)
	}
	if !temp.Available {
		t.Error("fresh reading not available")
	}
}

func TestGetDevice(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/devices/aa:bb:cc:dd:ee:ff", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d for formatted MAC", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/devices/112233445566", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d for unknown device, want 404", rec.Code)
	}
}

func TestGetProperty(t *testing.T) {
	srv, coord := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/devices/AABBCCDDEEFF/properties/temperature", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var pv PropertyView
	if err := json.NewDecoder(rec.Body).Decode(&pv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pv.Name != "temperature" || !pv.Available {
		t.Errorf("property view = %+v", pv)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/devices/AABBCCDDEEFF/properties/co2", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d for absent property, want 404", rec.Code)
	}

	// A poll outage flips the verdict without touching the value.
	coord.Store().MarkPollFailure(time.Now(), io.ErrUnexpectedEOF)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/devices/AABBCCDDEEFF/properties/temperature", nil))
	if err := json.NewDecoder(rec.Body).Decode(&pv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pv.Available {
		t.Error("available during poll outage")
	}
	if pv.Value == nil || *pv.Value != 21.5 {
		t.Error("last-known value lost during poll outage")
	}
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["controller_name"] != "test-cloud" {
		t.Errorf("controller_name = %v", status["controller_name"])
	}
	if status["last_poll_success"] != true {
		t.Errorf("last_poll_success = %v", status["last_poll_success"])
	}
	if status["devices"] != float64(1) {
		t.Errorf("devices = %v", status["devices"])
	}
}

func TestAPIKeyGuardsAPIOnly(t *testing.T) {
	srv, _ := newTestServer(t, WithAPIKey("secret"))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/devices", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("good key: status = %d, want 200", rec.Code)
	}

	// The webhook path is exempt; it carries its own token.
	body := `{"payload":{"info":{"mac":"AABBCCDDEEFF"},"data":[{"co2":{"value":600,"status":0}}]}}`
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/webhook", strings.NewReader(body)))
	if rec.Code != http.StatusNoContent {
		t.Errorf("webhook behind api key: status = %d, want 204", rec.Code)
	}
}

func TestWebhookApply(t *testing.T) {
	srv, coord := newTestServer(t)

	body := `{"payload":{"info":{"mac":"aa:bb:cc:dd:ee:ff"},"data":[{"co2":{"value":612,"status":0}}]}}`
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/webhook", strings.NewReader(body)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	dev, _ := coord.Store().DeviceByMAC("AABBCCDDEEFF")
	co2, ok := dev.GetProperty("co2")
	if !ok {
		t.Fatal("pushed attribute missing from store")
	}
	if v, _ := co2.DisplayValue(); v != 612 {
		t.Errorf("co2 = %v, want 612", v)
	}
}

func TestWebhookMalformed(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/webhook", strings.NewReader("not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["error"] == "" {
		t.Error("400 response missing error message")
	}
}

func TestWebhookUnknownDeviceAcknowledged(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"payload":{"info":{"mac":"112233445566"},"data":[{"co2":{"value":600,"status":0}}]}}`
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/webhook", strings.NewReader(body)))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204 for unknown-device push", rec.Code)
	}
}

func TestWebhookToken(t *testing.T) {
	srv, _ := newTestServer(t, WithWebhookToken("hook-token"))
	body := `{"payload":{"info":{"mac":"AABBCCDDEEFF"},"data":[{"co2":{"value":600,"status":0}}]}}`

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/webhook", strings.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/webhook?token=hook-token", strings.NewReader(body)))
	if rec.Code != http.StatusNoContent {
		t.Errorf("good token: status = %d, want 204", rec.Code)
	}
}
