package preview

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const (
	defaultHealthInterval = time.Second
	defaultHealthDeadline = 30 * time.Second
)

// HealthWaiter blocks until a deployment answers on its port or a deadline
// passes.
type HealthWaiter interface {
	Wait(ctx context.Context, port int) error
}

// HealthCheck polls a local port until something answers HTTP. Any response
// at all, including error statuses, counts as up; dev servers routinely 404
// on / while serving assets fine.
type HealthCheck struct {
	Interval time.Duration
	Deadline time.Duration
	Client   *http.Client
}

func (h HealthCheck) Wait(ctx context.Context, port int) error {
	interval := h.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	deadline := h.Deadline
	if deadline <= 0 {
		deadline = defaultHealthDeadline
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: interval}
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/", port)
	expiry := time.Now().Add(deadline)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		request, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		response, err := client.Do(request)
		if err == nil {
			_ = response.Body.Close()
			return nil
		}
		if time.Now().After(expiry) {
			return &HealthCheckTimeoutError{Port: port, Waited: deadline}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
