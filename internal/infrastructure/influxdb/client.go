package influxdb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/gray-logic-resdb/internal/infrastructure/config"
)

// Batching defaults used when the configuration leaves them unset.
const (
	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second

	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second
)

// Client records resource value samples in one InfluxDB v2 bucket.
//
// Samples go through the library's non-blocking write API and leave in
// batches, so WriteResourceValue never fails. A rejected batch is counted
// and passed to the SetOnError callback instead.
//
// All methods are safe for concurrent use.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string

	closed  atomic.Bool
	onError atomic.Pointer[func(error)]

	queued atomic.Uint64
	failed atomic.Uint64
}

// Stats counts the samples queued and the batches InfluxDB rejected.
type Stats struct {
	Queued        uint64
	FailedBatches uint64
}

// Connect opens a client for the configured bucket and pings the server.
//
// Returns:
//   - *Client: Client ready for WriteResourceValue
//   - error: ErrDisabled when history is off, ErrConnectionFailed when the
//     server cannot be reached or reports itself unhealthy
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize(cfg)).
			SetFlushInterval(flushIntervalMillis(cfg)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
	}
	go c.countFailures(c.writeAPI.Errors())
	return c, nil
}

func batchSize(cfg config.InfluxDBConfig) uint {
	if cfg.BatchSize <= 0 {
		return defaultBatchSize
	}
	return uint(cfg.BatchSize) // #nosec G115 -- positive
}

// flushIntervalMillis converts the configured seconds to the milliseconds
// the library expects.
func flushIntervalMillis(cfg config.InfluxDBConfig) uint {
	if cfg.FlushInterval <= 0 {
		return uint(defaultFlushInterval.Milliseconds())
	}
	return uint(cfg.FlushInterval) * uint(time.Second.Milliseconds()) // #nosec G115 -- positive
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	if !healthy {
		return errUnhealthy
	}
	return nil
}

// countFailures runs until the write API closes its error channel.
func (c *Client) countFailures(errs <-chan error) {
	for err := range errs {
		c.failed.Add(1)
		if fn := c.onError.Load(); fn != nil {
			(*fn)(fmt.Errorf("writing samples to %s: %w", c.bucket, err))
		}
	}
}

// SetOnError installs the callback for rejected batches. Nil removes it.
func (c *Client) SetOnError(fn func(err error)) {
	if fn == nil {
		c.onError.Store(nil)
		return
	}
	c.onError.Store(&fn)
}

// Flush sends queued samples and blocks until the batch is written.
// No-op after Close.
func (c *Client) Flush() {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.Flush()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(ctx, c.client); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// IsConnected reports whether the client is open. It does not ping.
func (c *Client) IsConnected() bool {
	return c.client != nil && !c.closed.Load()
}

// Stats returns the current counters.
func (c *Client) Stats() Stats {
	return Stats{
		Queued:        c.queued.Load(),
		FailedBatches: c.failed.Load(),
	}
}

// Close flushes queued samples and releases the client. Later writes are
// dropped. Safe to call more than once.
func (c *Client) Close() error {
	if c.client == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}
