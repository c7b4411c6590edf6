package qingping

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newCloudStub runs an HTTP server that plays both the OAuth and the API
// endpoint. listStatus/listBody control the device-list response.
func newCloudStub(t *testing.T, tokenStatus int, listStatus int, listBody string) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			user, pass, ok := r.BasicAuth()
			if !ok || user != "app-key" || pass != "app-secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if r.FormValue("grant_type") != "client_credentials" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(tokenStatus)
			if tokenStatus == http.StatusOK {
				io.WriteString(w, `{"access_token":"tok-123","expires_in":7200}`)
			}
		case "/v1/apis/devices":
			if r.Header.Get("Authorization") != "Bearer tok-123" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(listStatus)
			io.WriteString(w, listBody)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	client := NewClient("app-key", "app-secret", testLogger(),
		WithBaseURLs(srv.URL, srv.URL))
	return srv, client
}

func TestConnectAndListDevices(t *testing.T) {
	body := `{
		"total": 1,
		"devices": [{
			"info": {
				"mac": "AABBCCDDEEFF",
				"name": "Office",
				"version": "2.0.0",
				"product": {"en_name": "Air Monitor"},
				"status": {"offline": false},
				"setting": {"report_interval": 300, "collect_interval": 60}
			},
			"data": {
				"co2": {"value": 612, "status": 0},
				"timestamp": {"value": 1700000000, "status": 0}
			}
		}]
	}`
	_, client := newCloudStub(t, http.StatusOK, http.StatusOK, body)

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !client.IsConnected() {
		t.Fatal("IsConnected() = false after successful Connect")
	}

	devices, err := client.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(devices))
	}
	dev := devices[0]
	if dev.MAC != "AABBCCDDEEFF" || dev.Name != "Office" || dev.ReportInterval != 300 {
		t.Errorf("device decoded wrong: %+v", dev)
	}
	if co2, ok := dev.GetProperty("co2"); !ok {
		t.Error("co2 property missing")
	} else if v, _ := co2.DisplayValue(); v != 612 {
		t.Errorf("co2 = %v, want 612", v)
	}
}

func TestConnectBadCredentials(t *testing.T) {
	srv, _ := newCloudStub(t, http.StatusOK, http.StatusOK, `{}`)
	client := NewClient("app-key", "wrong-secret", testLogger(),
		WithBaseURLs(srv.URL, srv.URL))

	err := client.Connect(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Connect with bad credentials = %v, want ErrAuth", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after auth failure")
	}
}

func TestListDevicesTokenRevoked(t *testing.T) {
	_, client := newCloudStub(t, http.StatusOK, http.StatusUnauthorized, `{}`)

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := client.ListDevices(ctx)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("ListDevices after revocation = %v, want ErrAuth", err)
	}
	// Cached token must be invalidated so the next cycle re-authenticates.
	if client.IsConnected() {
		t.Error("IsConnected() = true after 401 from device list")
	}
}

func TestListDevicesWithoutToken(t *testing.T) {
	_, client := newCloudStub(t, http.StatusOK, http.StatusOK, `{}`)
	_, err := client.ListDevices(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("ListDevices without Connect = %v, want ErrAuth", err)
	}
}

func TestListDevicesServerError(t *testing.T) {
	_, client := newCloudStub(t, http.StatusOK, http.StatusBadGateway, `upstream down`)

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := client.ListDevices(ctx)
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if errors.Is(err, ErrAuth) {
		t.Errorf("transport failure reported as ErrAuth: %v", err)
	}
}

func TestListDevicesSkipsMalformedRecord(t *testing.T) {
	body := `{
		"total": 2,
		"devices": [
			{"info": {"mac": "bogus"}, "data": {}},
			{"info": {"mac": "112233445566", "setting": {"report_interval": 60}},
			 "data": {"timestamp": {"value": 1700000000, "status": 0}}}
		]
	}`
	_, client := newCloudStub(t, http.StatusOK, http.StatusOK, body)

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	devices, err := client.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 || devices[0].MAC != "112233445566" {
		t.Fatalf("got %d devices, want the one well-formed record", len(devices))
	}
}
