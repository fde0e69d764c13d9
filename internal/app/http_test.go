package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/voxlink/internal/app"
	"github.com/MrWong99/voxlink/internal/observe"
)

// instrumentedApp builds an app with a probe server whose spans and request
// durations are recorded in memory. It swaps the global tracer provider, so
// callers must not run in parallel.
func instrumentedApp(t *testing.T) (*app.App, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	scrape := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# HELP up\n"))
	})

	srv, _ := chatServer(t, false)
	a, err := app.New(testConfig(t, srv, "127.0.0.1:0"), blockingSource{}, &recordingPlayer{},
		app.WithMetrics(m),
		app.WithMetricsHandler(scrape),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { shutdown(t, a) })
	return a, reader, exp
}

func TestHandler_ProbeRoutesAreInstrumented(t *testing.T) {
	a, reader, exp := instrumentedApp(t)

	// The session is never started, so readiness fails.
	routes := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusServiceUnavailable},
		{"/statsz", http.StatusOK},
		{"/metrics", http.StatusOK},
	}

	cids := make(map[string]string)
	for _, r := range routes {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", r.path, nil))
		if rec.Code != r.want {
			t.Errorf("GET %s = %d, want %d", r.path, rec.Code, r.want)
		}
		cid := rec.Header().Get("X-Correlation-ID")
		if len(cid) != 32 {
			t.Errorf("GET %s: X-Correlation-ID = %q, want a trace id", r.path, cid)
		}
		for other, seen := range cids {
			if seen == cid {
				t.Errorf("GET %s reused the correlation id of %s", r.path, other)
			}
		}
		cids[r.path] = cid

		if r.path == "/statsz" {
			var stats map[string]json.RawMessage
			if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
				t.Fatalf("/statsz body: %v", err)
			}
			for _, stage := range []string{"Uplink", "Downlink", "Framing", "Dispatch"} {
				if _, ok := stats[stage]; !ok {
					t.Errorf("/statsz missing %s", stage)
				}
			}
		}
	}

	// One server span per request, carrying the response status.
	statusBySpan := make(map[string]int64)
	for _, s := range exp.GetSpans() {
		for _, kv := range s.Attributes {
			if string(kv.Key) == "http.response.status_code" {
				statusBySpan[s.Name] = kv.Value.AsInt64()
			}
		}
	}
	for _, r := range routes {
		name := "HTTP GET " + r.path
		if got, ok := statusBySpan[name]; !ok || got != int64(r.want) {
			t.Errorf("span %q status = %d (recorded %v), want %d", name, got, ok, r.want)
		}
	}

	// One duration sample per route.
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	samples := make(map[string]uint64)
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voxlink.http.request.duration" {
				continue
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("%s is %T, want a float histogram", met.Name, met.Data)
			}
			for _, dp := range hist.DataPoints {
				path, _ := dp.Attributes.Value("path")
				samples[path.AsString()] += dp.Count
			}
		}
	}
	for _, r := range routes {
		if samples[r.path] != 1 {
			t.Errorf("duration samples for %s = %d, want 1", r.path, samples[r.path])
		}
	}
}

func TestHandler_ContinuesCallerTrace(t *testing.T) {
	a, _, _ := instrumentedApp(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
	if tp := rec.Header().Get("traceparent"); len(tp) < 36 || tp[3:35] != traceID {
		t.Errorf("traceparent = %q, want trace %s", tp, traceID)
	}
}
