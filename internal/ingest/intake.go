// Package ingest feeds GC samples into the series store from the three
// supported inlets: HTTP pushes, a NATS subscription, and an exporter
// scraper. All of them funnel through Intake, which validates each
// sample and reports per-sample rejections without failing the batch.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"math"

	"github.com/vigilstack/gchealth/internal/metrics"
	"github.com/vigilstack/gchealth/internal/models"
	"github.com/vigilstack/gchealth/internal/store"
)

// Sample sources, used as metric labels.
const (
	SourceHTTP   = "http"
	SourceNATS   = "nats"
	SourceScrape = "scrape"
)

// Batch is the wire form of a sample push.
type Batch struct {
	Samples []models.Sample `json:"samples"`
}

// DecodeBatch parses a payload as a batch object, a bare JSON array, or
// a single sample.
func DecodeBatch(data []byte) ([]models.Sample, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty payload")
	}
	if trimmed[0] == '[' {
		var samples []models.Sample
		if err := json.Unmarshal(trimmed, &samples); err != nil {
			return nil, err
		}
		return samples, nil
	}
	var batch Batch
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		return nil, err
	}
	if batch.Samples != nil {
		return batch.Samples, nil
	}
	var single models.Sample
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, err
	}
	return []models.Sample{single}, nil
}

// Intake validates samples and appends them to the store.
type Intake struct {
	store  *store.Store
	logger *slog.Logger
}

// NewIntake builds an Intake over the store.
func NewIntake(st *store.Store, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{store: st, logger: logger}
}

// Ingest appends a batch, skipping invalid or stale samples. It returns
// the accepted count and one rejection per skipped sample; a rejection
// never fails the rest of the batch. Exact duplicates count as accepted.
func (in *Intake) Ingest(source string, samples []models.Sample) (int, []models.SampleRejection) {
	accepted := 0
	var rejections []models.SampleRejection

	reject := func(i int, sample models.Sample, label, reason string) {
		metrics.IncSampleRejected(label)
		r := models.SampleRejection{Index: i, Reason: reason}
		if sample.Key.Namespace != "" || sample.Key.MetricName != "" {
			r.Series = sample.Key.Canonical()
		}
		rejections = append(rejections, r)
	}

	for i, sample := range samples {
		if sample.Key.Namespace == "" || sample.Key.MetricName == "" {
			reject(i, sample, "identity", "missing namespace or metric name")
			continue
		}
		if sample.Timestamp.IsZero() {
			reject(i, sample, "timestamp", "missing timestamp")
			continue
		}
		if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
			reject(i, sample, "value", "non-finite value")
			continue
		}
		if err := in.store.Append(sample); err != nil {
			if errors.Is(err, store.ErrStaleSample) {
				reject(i, sample, "stale", err.Error())
			} else {
				reject(i, sample, "store", err.Error())
			}
			continue
		}
		accepted++
	}

	metrics.AddSamplesIngested(source, accepted)
	metrics.SetStoreSeries(in.store.SeriesCount())
	if len(rejections) > 0 {
		in.logger.Warn("sample batch partially rejected",
			"source", source, "accepted", accepted, "rejected", len(rejections))
	} else {
		in.logger.Debug("sample batch ingested", "source", source, "accepted", accepted)
	}
	return accepted, rejections
}
