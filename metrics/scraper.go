package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	pollInterval  = 3 * time.Second
	scrapeTimeout = 2 * time.Second
	staleAfter    = 10 * time.Second
)

// Scraper polls one connector's metrics endpoint and keeps the latest good
// snapshot. A scrape failure leaves the previous snapshot in place; changing
// the address throws all state away.
type Scraper struct {
	log      *zerolog.Logger
	client   *http.Client
	interval time.Duration
	maxAge   time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	addr     string
	cancel   context.CancelFunc
	snapshot *Snapshot
	lastErr  error
}

func NewScraper(log *zerolog.Logger) *Scraper {
	return &Scraper{
		log:      log,
		client:   &http.Client{Timeout: scrapeTimeout},
		interval: pollInterval,
		maxAge:   staleAfter,
		now:      time.Now,
	}
}

// SetAddress points the scraper at a new host:port. The previous poll loop
// stops and the accumulated snapshot resets; an empty address just stops.
func (s *Scraper) SetAddress(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr == s.addr {
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.addr = addr
	s.snapshot = nil
	s.lastErr = nil
	if addr == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.poll(ctx, addr)
}

// Stop ends polling and drops the snapshot.
func (s *Scraper) Stop() {
	s.SetAddress("")
}

// Snapshot returns the latest good snapshot and whether it has gone stale.
// The snapshot is nil before the first successful scrape.
func (s *Scraper) Snapshot() (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return nil, false
	}
	return s.snapshot, s.now().Sub(s.snapshot.CollectedAt) > s.maxAge
}

// LastError returns the most recent scrape failure, nil after a success.
func (s *Scraper) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Scraper) poll(ctx context.Context, addr string) {
	s.scrape(ctx, addr)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scrape(ctx, addr)
		}
	}
}

func (s *Scraper) scrape(ctx context.Context, addr string) {
	snapshot, err := s.fetch(ctx, addr)

	s.mu.Lock()
	defer s.mu.Unlock()
	// a late result from a replaced poll loop must not land
	if s.addr != addr {
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			s.lastErr = err
			s.log.Debug().Err(err).Str("addr", addr).Msg("Metrics scrape failed")
		}
		return
	}
	s.snapshot = snapshot
	s.lastErr = nil
}

func (s *Scraper) fetch(ctx context.Context, addr string) (*Snapshot, error) {
	url := fmt.Sprintf("http://%s/metrics", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build metrics request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach metrics endpoint")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("metrics endpoint returned status %d", resp.StatusCode)
	}
	snapshot, err := parseSnapshot(resp.Body, s.now())
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse metrics exposition")
	}
	return snapshot, nil
}
