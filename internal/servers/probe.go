package servers

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"mullproxy/internal/core/types"
	"mullproxy/internal/storage/models"
)

// ProbeResult is the outcome for a single server.
type ProbeResult struct {
	Server  models.Server
	Latency time.Duration
	Err     error
}

// OK reports whether the probe succeeded.
func (r *ProbeResult) OK() bool { return r.Err == nil }

// BatchResult holds the outcome of probing multiple servers.
type BatchResult struct {
	Results   []*ProbeResult
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// ProgressFunc is called each time a single probe completes.
type ProgressFunc func(result *ProbeResult, current, total int)

// DialFunc opens a TCP connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ProberConfig holds configuration for the Prober.
type ProberConfig struct {
	Workers  int64
	Timeout  time.Duration
	Dial     DialFunc
	Strategy Strategy
}

// Prober measures each server's SOCKS endpoint with a Strategy.
type Prober struct {
	config ProberConfig
}

// NewProber creates a Prober.
func NewProber(cfg ProberConfig) *Prober {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = d.DialContext
	}
	if cfg.Strategy == nil {
		cfg.Strategy = TCPStrategy{}
	}
	return &Prober{config: cfg}
}

// Address returns the SOCKS endpoint probed for s.
func Address(s models.Server) string {
	host := s.SocksName
	if host == "" {
		host = s.Hostname
	}
	return net.JoinHostPort(types.FullSocksHost(host), strconv.Itoa(types.SOCKSPort))
}

// ProbeOne probes a single server.
func (p *Prober) ProbeOne(ctx context.Context, s models.Server) *ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	result := &ProbeResult{Server: s}
	result.Latency, result.Err = p.config.Strategy.Measure(ctx, p.config.Dial, Address(s))
	return result
}

// Probe probes servers concurrently using a semaphore-based worker pool.
// Successful results come first, fastest first.
func (p *Prober) Probe(ctx context.Context, servers []models.Server, progress ProgressFunc) *BatchResult {
	startTime := time.Now()

	batch := &BatchResult{}
	results := make([]*ProbeResult, len(servers))
	var mu sync.Mutex
	var completed int

	sem := semaphore.NewWeighted(p.config.Workers)
	var wg sync.WaitGroup

	for i, server := range servers {
		wg.Add(1)
		go func(idx int, s models.Server) {
			defer wg.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			result := p.ProbeOne(ctx, s)
			results[idx] = result

			mu.Lock()
			completed++
			current := completed
			if result.OK() {
				batch.Succeeded++
			} else {
				batch.Failed++
			}
			mu.Unlock()

			if progress != nil {
				progress(result, current, len(servers))
			}
		}(i, server)
	}

	wg.Wait()

	for _, r := range results {
		if r != nil {
			batch.Results = append(batch.Results, r)
		}
	}

	sort.SliceStable(batch.Results, func(i, j int) bool {
		ri, rj := batch.Results[i], batch.Results[j]
		if ri.OK() != rj.OK() {
			return ri.OK()
		}
		if ri.OK() {
			return ri.Latency < rj.Latency
		}
		return false
	})

	batch.Duration = time.Since(startTime)
	return batch
}
