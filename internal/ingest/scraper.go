package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Target is one exporter endpoint serving a sample batch as JSON.
type Target struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// ScrapeConfig configures the exporter poller.
type ScrapeConfig struct {
	Targets  []Target
	Interval time.Duration
	Timeout  time.Duration
}

// Scraper polls exporter endpoints on an interval and ingests what they
// return. Targets fail independently; one unreachable exporter never
// stalls the rest.
type Scraper struct {
	cfg        ScrapeConfig
	intake     *Intake
	logger     *slog.Logger
	httpClient *http.Client
	now        func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScraper builds a Scraper; call Start to begin polling.
func NewScraper(cfg ScrapeConfig, intake *Intake, logger *slog.Logger) *Scraper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{
		cfg:        cfg,
		intake:     intake,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
}

// Start launches the poll loop with an immediate first pass.
func (s *Scraper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info("exporter scraper started",
		"targets", len(s.cfg.Targets), "interval", s.cfg.Interval)
}

// Stop cancels the loop and waits for the current pass to finish.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scraper) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.scrapeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scrapeAll(ctx)
		}
	}
}

func (s *Scraper) scrapeAll(ctx context.Context) {
	for _, target := range s.cfg.Targets {
		if ctx.Err() != nil {
			return
		}
		if err := s.scrape(ctx, target); err != nil {
			s.logger.Warn("scrape failed", "target", targetLabel(target), "error", err)
		}
	}
}

// scrape fetches one target and ingests its batch. Samples arriving
// without a timestamp are stamped with the scrape time.
func (s *Scraper) scrape(ctx context.Context, target Target) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("scrape request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("target returned %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	samples, err := DecodeBatch(data)
	if err != nil {
		return fmt.Errorf("failed to decode batch: %w", err)
	}

	stamp := s.now()
	for i := range samples {
		if samples[i].Timestamp.IsZero() {
			samples[i].Timestamp = stamp
		}
	}
	s.intake.Ingest(SourceScrape, samples)
	return nil
}

func targetLabel(t Target) string {
	if t.Name != "" {
		return t.Name
	}
	return t.URL
}
