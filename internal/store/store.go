// Package store implements the store adapter (C6): the engine's sole point
// of contact with Redis. It owns the connection pool, retry policy, error
// throttling, and the read/write value codec, grounded in the teacher's
// repository layer (internal/database in the donor service) but rebuilt
// against github.com/redis/go-redis/v9 instead of sqlx/lib-pq, since the
// store here is the system of record, not a side cache.
package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pulsar-io/beacon/internal/config"
	"github.com/pulsar-io/beacon/internal/plan"
	"github.com/pulsar-io/beacon/internal/value"
)

const (
	inputPrefix  = "input:"
	outputPrefix = "output:"
	bufferPrefix = "buffer:"

	defaultBufferMaxItems = 1000
	scanCount             = 200
)

// StoreTransientError wraps a Redis error judged retryable (connection
// lost, timeout, a server-reported retryable condition). The retry policy
// in do() is the only place that distinguishes transient from fatal.
type StoreTransientError struct{ Err error }

func (e *StoreTransientError) Error() string { return fmt.Sprintf("store: transient: %v", e.Err) }
func (e *StoreTransientError) Unwrap() error  { return e.Err }

// StoreFailure is cycle-level: a read failure fails the snapshot, a write
// failure fails the commit, after the retry policy is exhausted. It never
// aborts the process.
type StoreFailure struct {
	Op  string
	Err error
}

func (e *StoreFailure) Error() string { return fmt.Sprintf("store: %s failed: %v", e.Op, e.Err) }
func (e *StoreFailure) Unwrap() error  { return e.Err }

// Metrics receives the store adapter's per-operation observations.
// internal/metrics implements this; callers that don't care pass nil to New
// and get NoopMetrics. Defined here (rather than imported from
// internal/metrics) so this package never depends on the Prometheus client.
type Metrics interface {
	RecordRedisOp(op string, d time.Duration)
	SetRedisConnectionsActive(n int)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) RecordRedisOp(string, time.Duration)  {}
func (NoopMetrics) SetRedisConnectionsActive(int)        {}

// Store is the engine's Redis adapter: one connection pool, one retry
// policy, one error throttle, shared by every cycle.
type Store struct {
	client       *redis.Client
	cfg          config.RedisConfig
	logger       *slog.Logger
	throttle     *errorThrottle
	metrics      Metrics
	retryLimiter *rate.Limiter
}

// New dials Redis per cfg and returns a ready Store. It does not block on
// connectivity; Health reports connectivity once the caller starts polling
// it. metrics may be nil, in which case observations are discarded.
func New(cfg config.RedisConfig, logger *slog.Logger, metrics Metrics) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("store: no redis endpoints configured")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU() * 2
	}
	if poolSize > 50 {
		poolSize = 50
	}

	opts := &redis.Options{
		Addr:         cfg.Endpoints[0],
		Password:     cfg.Password,
		PoolSize:     poolSize,
		MaxRetries:   0, // retries are handled by Store.do, not the client
		DialTimeout:  time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond,
		ReadTimeout:  time.Duration(cfg.SyncTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.SyncTimeoutMs) * time.Millisecond,
	}
	if cfg.KeepAliveSec > 0 {
		// go-redis manages keep-alive internally; a non-default value is
		// expressed through the pool's idle timeout instead.
		opts.ConnMaxIdleTime = time.Duration(cfg.KeepAliveSec) * time.Second
	}
	if cfg.SSL {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	// retryLimiter caps the overall rate of retry *attempts* across every
	// in-flight operation, independent of each operation's own exponential
	// backoff. Without it, a transient Redis blip that affects many
	// concurrently-fanned-out SnapshotInputs reads all enters backoff at
	// once and then all retries at once, syncing into a thundering herd
	// every `base * 2^(n-1)` interval; the limiter smooths that burst out.
	retryRate := rate.Limit(1000.0 / float64(maxInt(cfg.RetryBaseDelayMs, 1)))
	return &Store{
		client:       client,
		cfg:          cfg,
		logger:       logger,
		throttle:     newErrorThrottle(60 * time.Second),
		metrics:      metrics,
		retryLimiter: rate.NewLimiter(retryRate, poolSize),
	}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ReportPoolStats publishes the connection pool's current checked-out count
// to redis_connections_active. The scheduler's health-check job calls this
// on a timer; Store does not poll itself.
func (s *Store) ReportPoolStats() {
	stats := s.client.PoolStats()
	s.metrics.SetRedisConnectionsActive(int(stats.TotalConns - stats.IdleConns))
}

// Close releases the connection pool and stops the error-throttle's cron
// runner.
func (s *Store) Close() error {
	s.throttle.stop()
	return s.client.Close()
}

// isTransient classifies an error the way spec.md §4.6 requires: connection
// loss and timeouts are retried, everything else fails fast. redis.Nil (key
// absent) is never transient; it is handled by the caller as "missing".
func isTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, redis.ErrClosed) ||
		err.Error() == "EOF"
}

// do runs op with spec.md §4.6's exponential backoff: base * 2^(n-1), up to
// cfg.RetryCount attempts, only for transient failures. Every attempt
// respects ctx, so a cycle-scoped deadline bounds the whole retry budget.
func (s *Store) do(ctx context.Context, opName string, op func(context.Context) error) error {
	retries := s.cfg.RetryCount
	if retries <= 0 {
		retries = 1
	}
	base := time.Duration(s.cfg.RetryBaseDelayMs) * time.Millisecond
	if base <= 0 {
		base = 50 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		start := time.Now()
		err := op(ctx)
		s.metrics.RecordRedisOp(opName, time.Since(start))
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = &StoreTransientError{Err: err}
		if s.throttle.allow(opName, time.Now()) {
			s.logger.Warn("store: transient error, retrying", "op", opName, "attempt", attempt, "error", err)
		}
		if attempt == retries {
			break
		}
		delay := base * time.Duration(1<<(attempt-1))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := s.retryLimiter.Wait(ctx); err != nil {
			return err
		}
	}
	return &StoreFailure{Op: opName, Err: lastErr}
}

// ReadValue reads and decodes a single key, returning value.Unavailable if
// the key is absent.
func (s *Store) ReadValue(ctx context.Context, key string) (value.Value, error) {
	var result value.Value
	err := s.do(ctx, "read_value", func(ctx context.Context) error {
		v, decodeErr := s.readKey(ctx, key)
		if decodeErr != nil {
			return decodeErr
		}
		result = v
		return nil
	})
	if err != nil {
		return value.Unavailable, err
	}
	return result, nil
}

// readKey fetches one key, branching on its Redis type: a hash is read as
// {value, timestamp} (the `value` field is decoded), a string is decoded
// directly. A missing key decodes to Unavailable, not an error.
func (s *Store) readKey(ctx context.Context, key string) (value.Value, error) {
	kind, err := s.client.Type(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return value.Unavailable, nil
		}
		return value.Unavailable, err
	}
	switch kind {
	case "none":
		return value.Unavailable, nil
	case "hash":
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return value.Unavailable, err
		}
		raw, ok := fields["value"]
		if !ok {
			return value.Unavailable, nil
		}
		return decodeScalar(raw), nil
	default:
		raw, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return value.Unavailable, nil
		}
		if err != nil {
			return value.Unavailable, err
		}
		return decodeScalar(raw), nil
	}
}

// SnapshotInputs scans every key under input: and output: and decodes it
// into a single CycleSnapshot, frozen with the cycle's start time. Reads
// for distinct keys fan out concurrently (bounded by the connection pool),
// per spec.md §5's "I/O is concurrent, off the evaluation thread".
func (s *Store) SnapshotInputs(ctx context.Context, cycleTime time.Time) (*plan.CycleSnapshot, error) {
	keys, err := s.scanPrefixes(ctx, inputPrefix, outputPrefix)
	if err != nil {
		return nil, &StoreFailure{Op: "snapshot_scan", Err: err}
	}

	values := make(map[string]value.Value, len(keys))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			v, readErr := s.readKeyRetrying(gctx, key)
			if readErr != nil {
				return readErr
			}
			mu.Lock()
			values[key] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &StoreFailure{Op: "snapshot_read", Err: err}
	}
	return &plan.CycleSnapshot{Values: values, CycleTime: cycleTime}, nil
}

func (s *Store) readKeyRetrying(ctx context.Context, key string) (value.Value, error) {
	var result value.Value
	err := s.do(ctx, "snapshot_read", func(ctx context.Context) error {
		v, decodeErr := s.readKey(ctx, key)
		if decodeErr != nil {
			return decodeErr
		}
		result = v
		return nil
	})
	return result, err
}

func (s *Store) scanPrefixes(ctx context.Context, prefixes ...string) ([]string, error) {
	var keys []string
	for _, prefix := range prefixes {
		var cursor uint64
		for {
			batch, next, err := s.client.Scan(ctx, cursor, prefix+"*", scanCount).Result()
			if err != nil {
				return nil, err
			}
			keys = append(keys, batch...)
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	sort.Strings(keys) // deterministic ordering for tests and reproducible logs
	return keys, nil
}

// WriteBatch commits every `set` output atomically from the perspective of
// each key (a Redis pipeline, not a MULTI/EXEC transaction: spec.md only
// requires per-key atomicity, not cross-key), then appends buffered series
// with trimming to MaxItems.
func (s *Store) WriteBatch(ctx context.Context, ws *plan.WriteSet) error {
	if ws == nil || (len(ws.Sets) == 0 && len(ws.Buffers) == 0) {
		return nil
	}
	return s.do(ctx, "write_batch", func(ctx context.Context) error {
		pipe := s.client.Pipeline()
		for key, v := range ws.Sets {
			encoded, err := encodeScalar(v)
			if err != nil {
				return fmt.Errorf("store: encode %s: %w", key, err)
			}
			pipe.Set(ctx, key, encoded, 0)
		}
		for _, b := range ws.Buffers {
			encoded, err := encodeScalar(b.Value)
			if err != nil {
				return fmt.Errorf("store: encode buffer %s: %w", b.Key, err)
			}
			bufferKey := bufferPrefix + b.Key
			entry := fmt.Sprintf("%d:%s", time.Now().UnixMilli(), encoded)
			pipe.RPush(ctx, bufferKey, entry)
			maxItems := b.MaxItems
			if maxItems <= 0 {
				maxItems = defaultBufferMaxItems
			}
			pipe.LTrim(ctx, bufferKey, -int64(maxItems), -1)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Publish dispatches a fire-and-forget message. Publish errors are
// transient-retried like any other store operation; after retry exhaustion
// the caller (the scheduler) logs and drops the message rather than
// blocking the next cycle on it.
func (s *Store) Publish(ctx context.Context, channel, body string) error {
	return s.do(ctx, "publish", func(ctx context.Context) error {
		return s.client.Publish(ctx, channel, body).Err()
	})
}

// MessageHandler receives one pub/sub payload.
type MessageHandler func(channel, payload string)

// Subscribe implements the Store Adapter's subscription surface for
// completeness; the core evaluator never calls it. It runs handler on its
// own goroutine until ctx is cancelled.
func (s *Store) Subscribe(ctx context.Context, handler MessageHandler, channels ...string) error {
	pubsub := s.client.Subscribe(ctx, channels...)
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Channel, msg.Payload)
			}
		}
	}()
	return nil
}

// HealthReport is one endpoint's health snapshot.
type HealthReport struct {
	OK          bool
	LatencyMs   float64
	SuccessRate float64
}

// Health pings Redis and reports latency. SuccessRate is 1 when the ping
// succeeds and 0 when it fails; no rolling rate is kept, here or in the
// scheduler, whose health-check job only counts consecutive failures.
// Store itself is stateless between calls.
func (s *Store) Health(ctx context.Context) HealthReport {
	start := time.Now()
	err := s.client.Ping(ctx).Err()
	latency := time.Since(start)
	if err != nil {
		return HealthReport{OK: false, LatencyMs: float64(latency.Milliseconds())}
	}
	return HealthReport{OK: true, LatencyMs: float64(latency.Milliseconds()), SuccessRate: 1}
}
