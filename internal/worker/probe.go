package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Component is the reachability of one dependency.
type Component struct {
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// HealthReport covers the realtime transport and the speech/LLM backend.
type HealthReport struct {
	Transport Component `json:"transport"`
	Backend   Component `json:"backend"`
}

func (h HealthReport) Healthy() bool {
	return h.Transport.OK && h.Backend.OK
}

// Prober issues read-only GETs against the transport and backend endpoints.
type Prober struct {
	transportURL string
	backendURL   string
	client       *http.Client
}

func NewProber(transportURL, backendURL string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{
		transportURL: strings.TrimSpace(transportURL),
		backendURL:   strings.TrimSpace(backendURL),
		client:       &http.Client{Timeout: timeout},
	}
}

func (p *Prober) Check(ctx context.Context) HealthReport {
	var (
		wg     sync.WaitGroup
		report HealthReport
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		report.Transport = p.probe(ctx, p.transportURL)
	}()
	go func() {
		defer wg.Done()
		report.Backend = p.probe(ctx, p.backendURL)
	}()
	wg.Wait()
	return report
}

// CheckBackend reports ErrBackendUnavailable when the speech/LLM backend does
// not answer.
func (p *Prober) CheckBackend(ctx context.Context) error {
	c := p.probe(ctx, p.backendURL)
	if !c.OK {
		return fmt.Errorf("%w: %s", ErrBackendUnavailable, c.Detail)
	}
	return nil
}

func (p *Prober) probe(ctx context.Context, url string) Component {
	if url == "" {
		return Component{OK: true, Detail: "not configured"}
	}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Component{Detail: fmt.Sprintf("build request: %v", err)}
	}
	res, err := p.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return Component{Detail: fmt.Sprintf("unreachable: %v", err), LatencyMS: latency}
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))
	if res.StatusCode >= 500 {
		return Component{Detail: fmt.Sprintf("status %d", res.StatusCode), LatencyMS: latency}
	}
	return Component{OK: true, LatencyMS: latency}
}
