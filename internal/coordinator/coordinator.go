// Package coordinator implements the Decryption Coordinator from
// spec.md §4.3: it races strict decryption against the shadow
// client's sync progress under a bounded deadline, falling back to a
// single lenient decrypt on timeout.
package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/arthurlutz/pantalaimon/internal/shadowclient"
	"github.com/arthurlutz/pantalaimon/pkg/metrics"
)

// Mode selects which SDK decryption function to use.
type Mode int

const (
	ModeSync Mode = iota
	ModeMessages
)

// Decryptor is the subset of ShadowClient the Coordinator needs. It is
// declared as an interface so tests can substitute a fake SDK-backed
// client without a real network session.
type Decryptor interface {
	DecryptSyncBody(body json.RawMessage, opts shadowclient.DecryptOptions) (json.RawMessage, error)
	DecryptMessagesBody(body json.RawMessage, opts shadowclient.DecryptOptions) (json.RawMessage, error)
	Synced() interface{ Wait() <-chan struct{} }
}

// Coordinator races decryption against a shadow client's "synced"
// edge, bounded by a per-call timeout.
type Coordinator struct {
	Timeout time.Duration
	Metrics *metrics.Registry
}

// New builds a Coordinator with the given decryption timeout.
func New(timeout time.Duration, m *metrics.Registry) *Coordinator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Coordinator{Timeout: timeout, Metrics: m}
}

func (c *Coordinator) decrypt(client Decryptor, mode Mode, body json.RawMessage, opts shadowclient.DecryptOptions) (json.RawMessage, error) {
	if mode == ModeSync {
		return client.DecryptSyncBody(body, opts)
	}
	return client.DecryptMessagesBody(body, opts)
}

// Decrypt runs the race/retry/lenient-fallback algorithm described in
// spec.md §4.3. It is cancel-safe: if ctx is canceled (the downstream
// caller disconnected), it returns promptly without touching the
// shadow client's state.
func (c *Coordinator) Decrypt(ctx context.Context, client Decryptor, mode Mode, body json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	defer func() {
		if c.Metrics != nil {
			c.Metrics.DecryptionDuration.Observe(time.Since(start).Seconds())
		}
	}()

	deadline, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	for {
		// Arm the wait before the strict attempt so a sync that
		// completes between the attempt and the wait call is never
		// missed, per spec.md §9.
		edge := client.Synced().Wait()

		result, err := c.decrypt(client, mode, body, shadowclient.DecryptOptions{Lenient: false})
		if err == nil {
			c.countOutcome("strict_ok")
			return result, nil
		}

		select {
		case <-edge:
			continue
		case <-deadline.Done():
			return c.lenientFallback(client, mode, body)
		}
	}
}

func (c *Coordinator) lenientFallback(client Decryptor, mode Mode, body json.RawMessage) (json.RawMessage, error) {
	result, err := c.decrypt(client, mode, body, shadowclient.DecryptOptions{Lenient: true})
	if err != nil {
		c.countOutcome("failed")
		return nil, err
	}
	c.countOutcome("lenient_fallback")
	if c.Metrics != nil {
		c.Metrics.DecryptionLenientTotal.Inc()
	}
	return result, nil
}

func (c *Coordinator) countOutcome(outcome string) {
	if c.Metrics != nil {
		c.Metrics.DecryptionsTotal.WithLabelValues(outcome).Inc()
	}
}
