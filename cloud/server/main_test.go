package main

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"golang.org/x/crypto/bcrypt"

	"github.com/alimk/edge-agent/pkg/models"
)

// newTestServer returns an httptest server wired like main(), over a fresh
// in-memory SQLite store.
func newTestServer(t *testing.T, cfg serverConfig) (*httptest.Server, *store) {
	t.Helper()
	st, err := openStore(":memory:")
	if err != nil {
		t.Fatalf("openStore(:memory:): %v", err)
	}
	t.Cleanup(func() { st.close() })

	if cfg.maxFirmware == 0 {
		cfg.maxFirmware = 1 << 20
	}
	if cfg.bcryptCost == 0 {
		cfg.bcryptCost = bcrypt.MinCost
	}
	mux := http.NewServeMux()
	newAPI(cfg, st, nil).routes(mux)
	srv := httptest.NewServer(loggingMiddleware(mux))
	t.Cleanup(srv.Close)
	return srv, st
}

func openConfig() serverConfig { return serverConfig{autoApprove: true} }

func do(t *testing.T, method, url string, body []byte, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

func readingsBody(t *testing.T, deviceID, key string, rs ...models.Reading) []byte {
	t.Helper()
	if len(rs) == 0 {
		rs = []models.Reading{{Sensor: "temperature", Value: 21.5, Unit: "C", Timestamp: time.Now().Unix()}}
	}
	b, err := json.Marshal(models.ReadingsRequest{DeviceID: deviceID, APIKey: key, FirmwareVersion: "1.0.0", Readings: rs})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func postReadings(t *testing.T, srv *httptest.Server, deviceID, key string, rs ...models.Reading) (int, models.ReadingsResponse) {
	t.Helper()
	resp, raw := do(t, http.MethodPost, srv.URL+"/api/readings", readingsBody(t, deviceID, key, rs...), nil)
	var out models.ReadingsResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode response %s: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

// register posts once for an unknown device and returns the issued key.
func register(t *testing.T, srv *httptest.Server, deviceID string) string {
	t.Helper()
	status, resp := postReadings(t, srv, deviceID, "")
	if status != http.StatusOK || resp.APIKey == "" {
		t.Fatalf("registration: status %d, resp %+v", status, resp)
	}
	return resp.APIKey
}

func TestRegistrationIssuesKey(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, openConfig())

	status, resp := postReadings(t, srv, "dev-000001", "")
	if status != http.StatusOK {
		t.Fatalf("want 200, got %d", status)
	}
	if len(resp.APIKey) != 64 {
		t.Fatalf("api_key %q is not 64 hex chars", resp.APIKey)
	}
	if _, err := hex.DecodeString(resp.APIKey); err != nil {
		t.Fatalf("api_key not hex: %v", err)
	}
	if resp.ServerTime == nil || *resp.ServerTime <= 0 {
		t.Error("server_time missing")
	}
	if !resp.Approved || resp.Received != 1 {
		t.Errorf("resp = %+v", resp)
	}

	status, resp = postReadings(t, srv, "dev-000001", resp.APIKey)
	if status != http.StatusOK || resp.Status != "ok" || resp.APIKey != "" {
		t.Errorf("second post: %d %+v", status, resp)
	}

	if status, _ := postReadings(t, srv, "dev-000001", "wrong"); status != http.StatusUnauthorized {
		t.Errorf("wrong key: want 401, got %d", status)
	}
	if status, _ := postReadings(t, srv, "dev-000001", ""); status != http.StatusUnauthorized {
		t.Errorf("missing key on known device: want 401, got %d", status)
	}
}

func TestRegistrationKeepsSuppliedKey(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, openConfig())

	_, resp := postReadings(t, srv, "dev-000002", "factory-key")
	if resp.APIKey != "factory-key" {
		t.Fatalf("api_key = %q", resp.APIKey)
	}
	if status, _ := postReadings(t, srv, "dev-000002", "factory-key"); status != http.StatusOK {
		t.Errorf("want 200, got %d", status)
	}
}

func TestAPIKeyStoredHashed(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t, openConfig())
	key := register(t, srv, "dev-00000a")

	d, err := st.getDevice(t.Context(), "dev-00000a")
	if err != nil || d == nil {
		t.Fatalf("getDevice = %+v, %v", d, err)
	}
	if d.APIKeyHash == key || strings.Contains(d.APIKeyHash, key) {
		t.Fatal("api key stored in plaintext")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(d.APIKeyHash), []byte(key)); err != nil {
		t.Errorf("stored hash does not verify: %v", err)
	}

	long := strings.Repeat("k", 73)
	r, _ := do(t, http.MethodPost, srv.URL+"/api/readings", readingsBody(t, "dev-00000b", long), nil)
	if r.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("73-byte key: want 422, got %d", r.StatusCode)
	}
}

func TestApprovalRequired(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, serverConfig{adminToken: "s3cret"})

	status, resp := postReadings(t, srv, "dev-000003", "")
	if status != http.StatusOK || resp.Approved || resp.Received != 0 {
		t.Fatalf("registration: %d %+v", status, resp)
	}
	key := resp.APIKey
	if status, _ := postReadings(t, srv, "dev-000003", key); status != http.StatusForbidden {
		t.Fatalf("want 403 before approval, got %d", status)
	}

	r, _ := do(t, http.MethodPost, srv.URL+"/api/devices/dev-000003/approve", nil, nil)
	if r.StatusCode != http.StatusUnauthorized {
		t.Fatalf("approve without token: want 401, got %d", r.StatusCode)
	}
	auth := http.Header{"Authorization": {"Bearer s3cret"}}
	r, raw := do(t, http.MethodPost, srv.URL+"/api/devices/dev-000003/approve", nil, auth)
	if r.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", r.StatusCode, raw)
	}
	if r, _ := do(t, http.MethodPost, srv.URL+"/api/devices/nobody/approve", nil, auth); r.StatusCode != http.StatusNotFound {
		t.Errorf("approve unknown: want 404, got %d", r.StatusCode)
	}

	if status, _ := postReadings(t, srv, "dev-000003", key); status != http.StatusOK {
		t.Errorf("after approval: want 200, got %d", status)
	}
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, serverConfig{autoApprove: true, rateEvery: time.Hour, rateBurst: 1})
	key := register(t, srv, "dev-000004")

	before := counter(t, "edge_server_rate_limited_total")
	if status, _ := postReadings(t, srv, "dev-000004", key); status != http.StatusOK {
		t.Fatalf("first post: %d", status)
	}
	resp, _ := do(t, http.MethodPost, srv.URL+"/api/readings", readingsBody(t, "dev-000004", key), nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("want 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
	if got := counter(t, "edge_server_rate_limited_total") - before; got != 1 {
		t.Errorf("rate limited metric delta = %v", got)
	}

	other := register(t, srv, "dev-000005")
	if status, _ := postReadings(t, srv, "dev-000005", other); status != http.StatusOK {
		t.Errorf("other device limited: %d", status)
	}
}

func TestReadingInterval(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, openConfig())
	key := register(t, srv, "dev-000006")

	_, resp := postReadings(t, srv, "dev-000006", key)
	if resp.ReadingInterval != nil {
		t.Fatalf("reading_interval = %d before it was set", *resp.ReadingInterval)
	}

	url := srv.URL + "/api/devices/dev-000006/interval"
	if r, _ := do(t, http.MethodPut, url, []byte(`{"reading_interval":0}`), nil); r.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("zero interval: want 422, got %d", r.StatusCode)
	}
	if r, _ := do(t, http.MethodPut, srv.URL+"/api/devices/ghost/interval", []byte(`{"reading_interval":60}`), nil); r.StatusCode != http.StatusNotFound {
		t.Errorf("unknown device: want 404, got %d", r.StatusCode)
	}
	if r, raw := do(t, http.MethodPut, url, []byte(`{"reading_interval":60}`), nil); r.StatusCode != http.StatusOK {
		t.Fatalf("set interval: %d %s", r.StatusCode, raw)
	}

	_, resp = postReadings(t, srv, "dev-000006", key)
	if resp.ReadingInterval == nil || *resp.ReadingInterval != 60 {
		t.Errorf("reading_interval = %v, want 60", resp.ReadingInterval)
	}
}

func TestReadingsValidation(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, openConfig())

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{"device_id":`, http.StatusBadRequest},
		{"no readings", `{"device_id":"dev-x","api_key":"","readings":[]}`, http.StatusUnprocessableEntity},
		{"no device", `{"api_key":"","readings":[{"sensor":"t","value":1,"unit":"C","timestamp":1}]}`, http.StatusUnprocessableEntity},
		{"no unit", `{"device_id":"dev-x","api_key":"","readings":[{"sensor":"t","value":1,"timestamp":1}]}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range tests {
		r, raw := do(t, http.MethodPost, srv.URL+"/api/readings", []byte(tc.body), nil)
		if r.StatusCode != tc.want {
			t.Errorf("%s: want %d, got %d: %s", tc.name, tc.want, r.StatusCode, raw)
		}
	}
}

func TestQueryReadings(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, openConfig())
	key := register(t, srv, "dev-000007")

	var rs []models.Reading
	for i := 0; i < 5; i++ {
		rs = append(rs,
			models.Reading{Sensor: "temperature", Value: float64(20 + i), Unit: "C", Timestamp: int64(1000 + i)},
			models.Reading{Sensor: "humidity", Value: float64(40 + i), Unit: "%", Timestamp: int64(1000 + i)},
		)
	}
	if status, _ := postReadings(t, srv, "dev-000007", key, rs...); status != http.StatusOK {
		t.Fatalf("post: %d", status)
	}

	get := func(query string) []readingRow {
		t.Helper()
		r, raw := do(t, http.MethodGet, srv.URL+"/api/readings?"+query, nil, nil)
		if r.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: %d %s", query, r.StatusCode, raw)
		}
		var rows []readingRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			t.Fatal(err)
		}
		return rows
	}

	// Registration post stored one temperature reading too.
	if rows := get("device_id=dev-000007"); len(rows) != 11 {
		t.Errorf("all rows = %d, want 11", len(rows))
	}
	rows := get("device_id=dev-000007&sensor=humidity&limit=2")
	if len(rows) != 2 || rows[0].Timestamp != 1004 || rows[1].Timestamp != 1003 {
		t.Errorf("humidity page 1 = %+v", rows)
	}
	rows = get("device_id=dev-000007&sensor=humidity&limit=2&offset=4")
	if len(rows) != 1 || rows[0].Timestamp != 1000 {
		t.Errorf("humidity last page = %+v", rows)
	}
	if rows := get("device_id=nobody"); len(rows) != 0 {
		t.Errorf("unknown device rows = %d", len(rows))
	}
	if r, _ := do(t, http.MethodGet, srv.URL+"/api/readings?offset=-1", nil, nil); r.StatusCode != http.StatusBadRequest {
		t.Errorf("negative offset: want 400, got %d", r.StatusCode)
	}
}

func TestOTAFlow(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, openConfig())

	check := func(v string) models.UpdateManifest {
		t.Helper()
		r, raw := do(t, http.MethodGet, srv.URL+"/api/ota/check?device_id=dev-000008&version="+v, nil, nil)
		if r.StatusCode != http.StatusOK {
			t.Fatalf("check: %d %s", r.StatusCode, raw)
		}
		var m models.UpdateManifest
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatal(err)
		}
		return m
	}

	if m := check("1.0.0"); m.UpdateAvailable {
		t.Fatalf("update offered with no firmware: %+v", m)
	}
	if r, _ := do(t, http.MethodGet, srv.URL+"/api/ota/check", nil, nil); r.StatusCode != http.StatusBadRequest {
		t.Errorf("check without device: want 400, got %d", r.StatusCode)
	}

	img := bytes.Repeat([]byte("firmware"), 512)
	sum := md5.Sum(img)
	wantMD5 := hex.EncodeToString(sum[:])

	r, raw := do(t, http.MethodPut, srv.URL+"/api/firmware/1.1.0", img, nil)
	if r.StatusCode != http.StatusCreated {
		t.Fatalf("upload: %d %s", r.StatusCode, raw)
	}
	var meta firmwareMeta
	json.Unmarshal(raw, &meta)
	if meta.Size != int64(len(img)) || meta.MD5 != wantMD5 {
		t.Errorf("meta = %+v", meta)
	}

	m := check("1.0.0")
	if !m.UpdateAvailable || m.Version != "1.1.0" || m.Size != int64(len(img)) || m.Checksum != wantMD5 {
		t.Fatalf("manifest = %+v", m)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("manifest invalid: %v", err)
	}
	if m := check("1.1.0"); m.UpdateAvailable {
		t.Error("update offered to a device already on it")
	}

	r, raw = do(t, http.MethodGet, srv.URL+m.URL, nil, nil)
	if r.StatusCode != http.StatusOK {
		t.Fatalf("download: %d", r.StatusCode)
	}
	if !bytes.Equal(raw, img) {
		t.Error("downloaded image differs")
	}
	if r.ContentLength != int64(len(img)) {
		t.Errorf("Content-Length = %d", r.ContentLength)
	}
	if r.Header.Get("x-MD5") != wantMD5 {
		t.Errorf("x-MD5 = %q", r.Header.Get("x-MD5"))
	}
	if r, _ := do(t, http.MethodGet, srv.URL+"/api/ota/download/9.9.9", nil, nil); r.StatusCode != http.StatusNotFound {
		t.Errorf("unknown version: want 404, got %d", r.StatusCode)
	}
	if r, _ := do(t, http.MethodPut, srv.URL+"/api/firmware/1.2.0", nil, nil); r.StatusCode != http.StatusBadRequest {
		t.Errorf("empty upload: want 400, got %d", r.StatusCode)
	}
}

func TestFirmwareUploadLimit(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, serverConfig{autoApprove: true, maxFirmware: 16})
	r, _ := do(t, http.MethodPut, srv.URL+"/api/firmware/2.0.0", bytes.Repeat([]byte{1}, 64), nil)
	if r.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("want 413, got %d", r.StatusCode)
	}
}

func TestOTAStatus(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, openConfig())

	failed := `{"device_id":"dev-000009","version":"1.1.0","status":"failed","error_message":"checksum mismatch"}`
	if r, raw := do(t, http.MethodPost, srv.URL+"/api/ota/status", []byte(failed), nil); r.StatusCode != http.StatusOK {
		t.Fatalf("status report: %d %s", r.StatusCode, raw)
	}
	bad := `{"device_id":"dev-000009","version":"1.1.0","status":"maybe"}`
	if r, _ := do(t, http.MethodPost, srv.URL+"/api/ota/status", []byte(bad), nil); r.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("bad status: want 422, got %d", r.StatusCode)
	}

	r, raw := do(t, http.MethodGet, srv.URL+"/api/devices/dev-000009/updates", nil, nil)
	if r.StatusCode != http.StatusOK {
		t.Fatalf("updates: %d", r.StatusCode)
	}
	var rows []updateRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ErrorMessage != "checksum mismatch" || rows[0].Status != "failed" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestDeviceEvents(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t, openConfig())

	ev := models.DeviceEvent{
		EventID:    "0b8f6c1e-1111-4c1a-9d7e-000000000001",
		DeviceID:   "dev-000010",
		Type:       models.EventBoot,
		Timestamp:  time.Now().Unix(),
		Attributes: map[string]string{"version": "1.0.0"},
	}
	body, _ := json.Marshal(ev)

	if r, raw := do(t, http.MethodPost, srv.URL+"/api/devices/events", body, nil); r.StatusCode != http.StatusAccepted {
		t.Fatalf("want 202, got %d: %s", r.StatusCode, raw)
	}
	if r, _ := do(t, http.MethodPost, srv.URL+"/api/devices/events", body, nil); r.StatusCode != http.StatusOK {
		t.Errorf("duplicate: want 200, got %d", r.StatusCode)
	}
	if r, _ := do(t, http.MethodPost, srv.URL+"/api/devices/events", []byte(`{"device_id":"dev-000010"}`), nil); r.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("invalid event: want 422, got %d", r.StatusCode)
	}

	n, err := st.countEvents(t.Context(), "dev-000010")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("stored events = %d, want 1", n)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, openConfig())
	if r, _ := do(t, http.MethodGet, srv.URL+"/healthz", nil, nil); r.StatusCode != http.StatusOK {
		t.Errorf("want 200, got %d", r.StatusCode)
	}
}

// TestConcurrentRegistrationsNoRace exercises the store and limiter under
// -race; every device must end up with exactly one key.
func TestConcurrentRegistrationsNoRace(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t, openConfig())

	const n = 30
	var (
		wg   sync.WaitGroup
		keys [n]string
	)
	wg.Add(n)
	for i := range n {
		body := readingsBody(t, fmt.Sprintf("racer-%02d", i), "")
		go func() {
			defer wg.Done()
			resp, err := http.Post(srv.URL+"/api/readings", "application/json", bytes.NewReader(body))
			if err != nil {
				return
			}
			defer resp.Body.Close()
			var out models.ReadingsResponse
			if json.NewDecoder(resp.Body).Decode(&out) == nil {
				keys[i] = out.APIKey
			}
		}()
	}
	wg.Wait()

	for i := range n {
		d, err := st.getDevice(t.Context(), fmt.Sprintf("racer-%02d", i))
		if err != nil {
			t.Fatal(err)
		}
		if d == nil || bcrypt.CompareHashAndPassword([]byte(d.APIKeyHash), []byte(keys[i])) != nil {
			t.Errorf("racer-%02d: stored hash does not match issued key %q", i, keys[i])
		}
	}
}

func TestRouteLabelStability(t *testing.T) {
	t.Parallel()
	cases := []struct{ path, want string }{
		{"/healthz", "/healthz"},
		{"/api/readings", "/api/readings"},
		{"/api/ota/check", "/api/ota/check"},
		{"/api/ota/status", "/api/ota/status"},
		{"/api/ota/download/1.2.3", "/api/ota/download/{version}"},
		{"/api/firmware/1.2.3", "/api/firmware/{version}"},
		{"/api/devices/dev-1/approve", "/api/devices/{device_id}/approve"},
		{"/api/devices/dev-1/interval", "/api/devices/{device_id}/interval"},
		{"/api/devices/dev-1/updates", "/api/devices/{device_id}/updates"},
		{"/api/devices/events", "/api/devices/events"},
		{"/api/devices/dev-1", "other"},
		{"/unknown", "other"},
	}
	for _, c := range cases {
		req, _ := http.NewRequest(http.MethodGet, c.path, nil)
		if got := routeLabel(req); got != c.want {
			t.Errorf("routeLabel(%q) = %q, want %q", c.path, got, c.want)
		}
	}
}

func TestDeviceLimiterDisabled(t *testing.T) {
	t.Parallel()
	l := newDeviceLimiter(0, 1)
	for i := 0; i < 100; i++ {
		if !l.allow("dev") {
			t.Fatal("disabled limiter refused")
		}
	}
	var nilLimiter *deviceLimiter
	if !nilLimiter.allow("dev") {
		t.Error("nil limiter refused")
	}
}

func counter(t *testing.T, name string) float64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	var found *dto.MetricFamily
	for _, mf := range mfs {
		if mf.GetName() == name {
			found = mf
			break
		}
	}
	if found == nil || len(found.Metric) == 0 {
		return 0
	}
	return found.Metric[0].GetCounter().GetValue()
}

func TestMain(m *testing.M) {
	// Keep request logs out of test output.
	logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	m.Run()
}
