package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/vigilstack/gchealth/internal/aggregate"
	"github.com/vigilstack/gchealth/internal/alarm"
	"github.com/vigilstack/gchealth/internal/config"
	"github.com/vigilstack/gchealth/internal/correlate"
	"github.com/vigilstack/gchealth/internal/ingest"
	"github.com/vigilstack/gchealth/internal/models"
	"github.com/vigilstack/gchealth/internal/rules"
	"github.com/vigilstack/gchealth/internal/services"
	"github.com/vigilstack/gchealth/internal/storage/sqlite"
	"github.com/vigilstack/gchealth/internal/store"
	"github.com/vigilstack/gchealth/internal/utils"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEngine struct {
	transitions []models.StateTransition
	reloadErr   error
	ready       bool
}

func (f *fakeEngine) EvaluateNow(context.Context, string) ([]models.StateTransition, error) {
	return f.transitions, nil
}

func (f *fakeEngine) Reload(context.Context) error { return f.reloadErr }

func (f *fakeEngine) Ready() bool { return f.ready }

func newTestServer(t *testing.T, history *sqlite.Store, engine services.Engine) *Server {
	t.Helper()
	logger := discardLogger()
	st := store.New(time.Hour, logger)
	agg := aggregate.New(st, 2*time.Hour)
	ev := alarm.New(agg, logger)
	ev.ApplyGeneration(&rules.Generation{Version: 1, Alarms: []rules.AlarmConfig{{
		ID:                "heap-used-ratio-high",
		Metric:            models.Selector{Namespace: "jvm", MetricName: "heap_used_ratio"},
		Statistic:         models.StatAvg,
		Comparison:        models.CompareGreater,
		Threshold:         0.8,
		Period:            time.Minute,
		EvaluationPeriods: 3,
		DatapointsToAlarm: 3,
		TreatMissingData:  models.MissingAsMissing,
		Severity:          models.SeverityHigh,
	}}})
	corr := correlate.New(agg, nil, logger)
	svc := services.NewMonitorService(logger, ingest.NewIntake(st, logger), ev, corr, agg, nil, history, engine)
	return NewServer(config.ServerConfig{Address: ":0", GracefulTimeout: time.Second}, svc, logger)
}

func doRequest(s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := doRequest(s, "GET", "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status = %q", resp.Status)
	}
}

func TestReadyEndpoint(t *testing.T) {
	notReady := newTestServer(t, nil, nil)
	w := doRequest(notReady, "GET", "/readyz", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status without engine = %d", w.Code)
	}
	var resp ReadyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Ready || len(resp.Reasons) == 0 {
		t.Fatalf("response = %+v", resp)
	}

	ready := newTestServer(t, nil, &fakeEngine{ready: true})
	w = doRequest(ready, "GET", "/readyz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status with engine = %d", w.Code)
	}
	resp = ReadyResponse{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Ready || resp.AlarmsLoaded != 1 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestSamplesEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)

	batch, _ := json.Marshal(ingest.Batch{Samples: []models.Sample{
		{Key: models.MetricKey{Namespace: "jvm", MetricName: "heap_used_ratio"}, Timestamp: time.Now().Add(-time.Minute), Value: 0.7},
		{Key: models.MetricKey{MetricName: "orphan"}, Timestamp: time.Now(), Value: 1},
	}})
	w := doRequest(s, "POST", "/api/v1/samples", batch)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp IngestResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Accepted != 1 || len(resp.Rejected) != 1 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Rejected[0].Index != 1 {
		t.Fatalf("rejected index = %d", resp.Rejected[0].Index)
	}

	w = doRequest(s, "POST", "/api/v1/samples", []byte("{broken"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed payload status = %d", w.Code)
	}
}

func TestAlarmEndpoints(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := doRequest(s, "GET", "/api/v1/alarms", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list AlarmListResponse
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Alarms) != 1 || list.Alarms[0].AlarmID != "heap-used-ratio-high" {
		t.Fatalf("alarms = %+v", list.Alarms)
	}

	w = doRequest(s, "GET", "/api/v1/alarms/heap-used-ratio-high", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var state models.AlarmState
	if err := json.NewDecoder(w.Body).Decode(&state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.State != models.StateInsufficientData {
		t.Fatalf("state = %s", state.State)
	}

	w = doRequest(s, "GET", "/api/v1/alarms/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown alarm status = %d", w.Code)
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	eng := &fakeEngine{transitions: []models.StateTransition{{
		AlarmID: "heap-used-ratio-high", From: models.StateOK, To: models.StateAlarm,
	}}, ready: true}
	s := newTestServer(t, nil, eng)

	w := doRequest(s, "POST", "/api/v1/alarms/heap-used-ratio-high/evaluate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp EvaluateResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AlarmID != "heap-used-ratio-high" || len(resp.Transitions) != 1 {
		t.Fatalf("response = %+v", resp)
	}

	w = doRequest(s, "POST", "/api/v1/alarms/nope/evaluate", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown alarm status = %d", w.Code)
	}
}

func TestWindowEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)

	// Seed three consecutive periods so the request sees a full closed
	// window regardless of when the minute rolls over.
	start := utils.LastClosedPeriodStart(time.Now(), time.Minute)
	var samples []models.Sample
	for p := 0; p < 3; p++ {
		base := start.Add(time.Duration(p) * time.Minute)
		samples = append(samples,
			models.Sample{Key: models.MetricKey{Namespace: "jvm", MetricName: "heap_used_ratio"}, Timestamp: base, Value: 0.6},
			models.Sample{Key: models.MetricKey{Namespace: "jvm", MetricName: "heap_used_ratio"}, Timestamp: base.Add(30 * time.Second), Value: 0.8},
		)
	}
	body, _ := json.Marshal(ingest.Batch{Samples: samples})
	if w := doRequest(s, "POST", "/api/v1/samples", body); w.Code != http.StatusAccepted {
		t.Fatalf("seed status = %d", w.Code)
	}

	w := doRequest(s, "GET", "/api/v1/windows?namespace=jvm&metric=heap_used_ratio&stat=avg&period=1m", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var window models.Window
	if err := json.NewDecoder(w.Body).Decode(&window); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if window.Value != 0.7 || window.SampleCount != 2 {
		t.Fatalf("window = %+v", window)
	}

	w = doRequest(s, "GET", "/api/v1/windows?namespace=jvm", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing metric status = %d", w.Code)
	}
	w = doRequest(s, "GET", "/api/v1/windows?namespace=jvm&metric=heap_used_ratio&period=soon", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad period status = %d", w.Code)
	}
	w = doRequest(s, "GET", "/api/v1/windows?namespace=jvm&metric=gc_pause_ms", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("empty series status = %d", w.Code)
	}
}

func TestEpisodesEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := doRequest(s, "GET", "/api/v1/episodes?active=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp EpisodeListResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Episodes == nil || len(resp.Episodes) != 0 {
		t.Fatalf("episodes = %#v", resp.Episodes)
	}

	if w := doRequest(s, "GET", "/api/v1/episodes?active=sometimes", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad active status = %d", w.Code)
	}
}

func TestHistoryDisabledEndpoints(t *testing.T) {
	s := newTestServer(t, nil, nil)

	for _, target := range []string{"/api/v1/events", "/api/v1/transitions", "/api/v1/patterns"} {
		if w := doRequest(s, "GET", target, nil); w.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s status = %d", target, w.Code)
		}
	}

	w := doRequest(s, "GET", "/api/v1/dispatch/failures", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dispatch failures status = %d", w.Code)
	}
	var resp DispatchFailureResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Failures) != 0 {
		t.Fatalf("failures = %+v", resp.Failures)
	}
}

func TestHistoryBackedEndpoints(t *testing.T) {
	history, err := sqlite.Open(filepath.Join(t.TempDir(), "gchealth.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer history.Close()
	s := newTestServer(t, history, nil)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := history.StoreTransition(ctx, models.StateTransition{
		AlarmID: "heap-used-ratio-high", From: models.StateOK, To: models.StateAlarm,
		At: at, Severity: models.SeverityHigh, Namespace: "jvm", MetricName: "heap_used_ratio",
	}); err != nil {
		t.Fatalf("StoreTransition: %v", err)
	}
	if err := history.StoreEvent(ctx, models.RCAEvent{
		EventID: "evt-1", RuleID: "memory-leak", EpisodeID: "ep-1",
		Classification: models.ClassMemoryLeak, Severity: models.SeverityCritical,
		Confidence: 0.9, TriggeredAt: at,
	}); err != nil {
		t.Fatalf("StoreEvent: %v", err)
	}

	w := doRequest(s, "GET", "/api/v1/transitions?alarmId=heap-used-ratio-high", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("transitions status = %d", w.Code)
	}
	var trs TransitionListResponse
	if err := json.NewDecoder(w.Body).Decode(&trs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(trs.Transitions) != 1 || trs.Transitions[0].To != models.StateAlarm {
		t.Fatalf("transitions = %+v", trs.Transitions)
	}

	w = doRequest(s, "GET", "/api/v1/events?ruleId=memory-leak&since=2025-06-01T00:00:00Z", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("events status = %d", w.Code)
	}
	var evs EventListResponse
	if err := json.NewDecoder(w.Body).Decode(&evs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(evs.Events) != 1 || evs.Events[0].EventID != "evt-1" {
		t.Fatalf("events = %+v", evs.Events)
	}

	if w := doRequest(s, "GET", "/api/v1/events?since=notatime", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad since status = %d", w.Code)
	}
}

func TestReloadEndpoint(t *testing.T) {
	s := newTestServer(t, nil, &fakeEngine{ready: true})

	w := doRequest(s, "POST", "/api/v1/config/reload", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ReloadResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "reloaded" {
		t.Fatalf("response = %+v", resp)
	}

	if w := doRequest(s, "POST", "/api/v1/config/reload", nil); w.Code != http.StatusOK {
		t.Fatalf("second reload status = %d", w.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil, nil)

	cases := []struct {
		method string
		target string
	}{
		{"POST", "/healthz"},
		{"GET", "/api/v1/samples"},
		{"POST", "/api/v1/alarms"},
		{"GET", "/api/v1/alarms/heap-used-ratio-high/evaluate"},
		{"GET", "/api/v1/config/reload"},
	}
	for _, tc := range cases {
		if w := doRequest(s, tc.method, tc.target, nil); w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s status = %d", tc.method, tc.target, w.Code)
		}
	}
}
