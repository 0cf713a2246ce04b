package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"
)

type metricKey struct {
	Namespace  string            `json:"namespace"`
	MetricName string            `json:"metricName"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
}

type sample struct {
	Key       metricKey `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
}

type batch struct {
	Samples []sample `json:"samples"`
}

// degraded switches the emitted telemetry from a healthy JVM profile to
// one under heap pressure, so the default alarm pack has something to
// trip on.
var degraded atomic.Bool

func main() {
	var pushURL string
	var pushInterval time.Duration
	flag.StringVar(&pushURL, "push", "", "Engine ingest URL to push batches to (e.g. http://localhost:8080/api/v1/samples)")
	flag.DurationVar(&pushInterval, "push-interval", 15*time.Second, "Push interval")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/samples", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, currentBatch())
	})

	mux.HandleFunc("/degrade", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		degraded.Store(true)
		_, _ = w.Write([]byte("degraded\n"))
	})

	mux.HandleFunc("/recover", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		degraded.Store(false)
		_, _ = w.Write([]byte("healthy\n"))
	})

	logger := log.New(log.Writer(), "mock-exporter ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":9464",
		Handler: logRequests(logger, mux),
	}

	if pushURL != "" {
		go pushLoop(logger, pushURL, pushInterval)
	}

	logger.Println("listening on :9464")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func currentBatch() batch {
	now := time.Now().UTC()
	bad := degraded.Load()

	pauseMs := jitter(60, 30)
	cpuShare := jitter(0.04, 0.02)
	heapRatio := jitter(0.55, 0.05)
	allocRate := jitter(180, 60)
	collections := 2
	if bad {
		pauseMs = jitter(650, 150)
		cpuShare = jitter(0.38, 0.08)
		heapRatio = jitter(0.93, 0.02)
		allocRate = jitter(780, 120)
		collections = 9
	}

	samples := []sample{
		{Key: metricKey{Namespace: "jvm/gc", MetricName: "pause_ms", Dimensions: map[string]string{"pool": "old"}}, Timestamp: now, Value: pauseMs, Unit: "ms"},
		{Key: metricKey{Namespace: "jvm/gc", MetricName: "pause_ms", Dimensions: map[string]string{"pool": "young"}}, Timestamp: now, Value: pauseMs / 4, Unit: "ms"},
		{Key: metricKey{Namespace: "jvm/gc", MetricName: "cpu_share"}, Timestamp: now, Value: cpuShare},
		{Key: metricKey{Namespace: "jvm/memory", MetricName: "heap_used_ratio"}, Timestamp: now, Value: heapRatio},
		{Key: metricKey{Namespace: "jvm/memory", MetricName: "alloc_rate_mb_s"}, Timestamp: now, Value: allocRate, Unit: "MB/s"},
	}
	// One sample per collection event; the frequency alarm counts them.
	for i := 0; i < collections; i++ {
		samples = append(samples, sample{
			Key:       metricKey{Namespace: "jvm/gc", MetricName: "collections"},
			Timestamp: now.Add(-time.Duration(i) * time.Second),
			Value:     1,
		})
	}
	return batch{Samples: samples}
}

func jitter(center, spread float64) float64 {
	return center + (rand.Float64()*2-1)*spread
}

func pushLoop(logger *log.Logger, url string, interval time.Duration) {
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Printf("pushing batches to %s every %s", url, interval)
	for range ticker.C {
		body, err := json.Marshal(currentBatch())
		if err != nil {
			logger.Printf("marshal error: %v", err)
			continue
		}
		resp, err := client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			logger.Printf("push error: %v", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			logger.Printf("push rejected: %s", resp.Status)
		}
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
