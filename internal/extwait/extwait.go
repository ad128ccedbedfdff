// Package extwait blocks until the extension has connected and reported at
// least one page, the human-gated step callers wait on after telling the
// user to click the extension icon.
package extwait

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNotConnected is returned when the deadline elapses before the
// extension reports a connected state with at least one page.
type ErrNotConnected struct {
	Port int
}

func (e *ErrNotConnected) Error() string {
	return fmt.Sprintf("extension not connected on port %d", e.Port)
}

// DefaultPollInterval is the poll cadence absent an override.
const DefaultPollInterval = 500 * time.Millisecond

// Options configures Wait.
type Options struct {
	Host         string
	Port         int
	Timeout      time.Duration
	PollInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
}

type statusBody struct {
	Connected bool `json:"connected"`
	PageCount int  `json:"pageCount"`
}

// Wait polls /extension-status until it reports connected && pageCount > 0,
// or until opts.Timeout elapses, in which case it returns *ErrNotConnected
// carrying the port for the caller's error message.
func Wait(ctx context.Context, opts Options) error {
	opts.setDefaults()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := probe(ctx, opts.Host, opts.Port)
		if err == nil && ok {
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &ErrNotConnected{Port: opts.Port}
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func probe(ctx context.Context, host string, port int) (bool, error) {
	url := fmt.Sprintf("http://%s:%d/extension-status", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("extwait: unexpected status %d", resp.StatusCode)
	}
	var body statusBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Connected && body.PageCount > 0, nil
}
