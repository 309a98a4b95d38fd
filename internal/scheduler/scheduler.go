// Package scheduler implements the cycle scheduler (C7): it drives fixed-
// period cycles, orchestrating snapshot -> temporal append -> evaluate ->
// commit -> publish, the way the teacher's internal/engine.RuleEngine drives
// its ticker-based background routines, generalized from a fixed interval
// maintenance job to the deterministic per-cycle evaluation loop spec.md
// §4.7 requires.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/pulsar-io/beacon/internal/evaluator"
	"github.com/pulsar-io/beacon/internal/exprc"
	"github.com/pulsar-io/beacon/internal/plan"
	"github.com/pulsar-io/beacon/internal/store"
	"github.com/pulsar-io/beacon/internal/temporal"
)

// Metrics receives the scheduler's cycle-level observations. internal/metrics
// implements this; tests use NoopMetrics.
type Metrics interface {
	RecordCycle(duration, period time.Duration)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) RecordCycle(time.Duration, time.Duration) {}

// Options configures a Scheduler.
type Options struct {
	Period           time.Duration // cycle period T; spec.md §4.7 default 100ms
	PublishGrace     time.Duration // how long Run's shutdown path waits for pending publishes to drain
	HealthInterval   time.Duration // how often to poll Store.Health/ReportPoolStats; 0 disables
	HealthFailureMax int           // consecutive failed health polls before Degraded() reports true
}

// Scheduler drives the fixed-period cycle loop described in spec.md §4.7.
// Exactly one cycle evaluates at a time; cycles never overlap. It owns no
// rule-evaluation state itself (that lives in the Evaluator's EmitState and
// the Buffer) so it can be rebuilt across plan reloads without losing
// cross-cycle memory, though spec.md treats rules as immutable for a
// running plan's lifetime.
type Scheduler struct {
	store     *store.Store
	buf       *temporal.Buffer
	eval      *evaluator.Evaluator
	plan      *plan.RulePlan
	opts      Options
	logger    *slog.Logger
	metrics   Metrics

	publishWG sync.WaitGroup
	healthCron *cron.Cron

	mu             sync.Mutex
	lastCycleErr   error
	cycleCount     int64
	consecutiveBad int
	degraded       bool
}

// New builds a Scheduler. metrics may be nil, in which case observations are
// discarded.
func New(st *store.Store, buf *temporal.Buffer, eval *evaluator.Evaluator, p *plan.RulePlan, opts Options, logger *slog.Logger, metrics Metrics) *Scheduler {
	if opts.Period <= 0 {
		opts.Period = 100 * time.Millisecond
	}
	if opts.PublishGrace <= 0 {
		opts.PublishGrace = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Scheduler{
		store:   st,
		buf:     buf,
		eval:    eval,
		plan:    p,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
	}
}

// Run drives cycles until ctx is cancelled. On return, the current cycle
// (including its commit) has completed, and pending publishes have been
// given up to opts.PublishGrace to drain, per spec.md §4.7's cancellation
// semantics. Cycles never overlap: Run is single-threaded by construction,
// there is no concurrent invocation to guard against.
func (s *Scheduler) Run(ctx context.Context) {
	if s.opts.HealthInterval > 0 {
		s.startHealthChecks(ctx)
	}

	timer := time.NewTimer(s.opts.Period)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.healthCron != nil {
				<-s.healthCron.Stop().Done()
			}
			s.drainPublishes()
			return
		case <-timer.C:
		}

		elapsed := s.runCycle(ctx)

		sleep := s.opts.Period - elapsed
		if sleep < 0 {
			sleep = 0
			s.logger.Warn("beacon: cycle overrun",
				"elapsed_ms", elapsed.Milliseconds(),
				"period_ms", s.opts.Period.Milliseconds())
		}
		timer.Reset(sleep)
	}
}

// RunOnce drives exactly one cycle and returns its duration, for the test-
// mode on-demand cadence spec.md §4.7/§6.3 describes (engine.test_mode).
func (s *Scheduler) RunOnce(ctx context.Context) time.Duration {
	return s.runCycle(ctx)
}

// runCycle executes steps 1-6 of spec.md §4.7 for a single cycle. A
// snapshot-read failure (StoreFailure) skips evaluation for this tick
// entirely, preserving EmitState and the temporal buffer, and the
// scheduler backs off to the next tick as-is.
func (s *Scheduler) runCycle(ctx context.Context) time.Duration {
	cycleStart := time.Now()
	cycleID := uuid.NewString() // correlates this cycle's log lines and error reports

	snapshot, err := s.store.SnapshotInputs(ctx, cycleStart)
	if err != nil {
		s.recordCycleErr(err)
		s.logger.Error("beacon: cycle snapshot failed, skipping evaluation", "cycle_id", cycleID, "error", err)
		elapsed := time.Since(cycleStart)
		s.metrics.RecordCycle(elapsed, s.opts.Period)
		return elapsed
	}

	for sensor, v := range snapshot.Values {
		s.buf.Append(sensor, v, cycleStart)
	}

	// now() inside a compiled expression must resolve to this cycle's frozen
	// clock, not wall time at the moment the VM happens to run, so every
	// rule in the cycle observes the same instant (spec.md §4.4/§5).
	exprc.SetClock(func() int64 { return cycleStart.UnixMilli() })
	ws, pending := s.eval.Evaluate(snapshot, cycleStart)

	if err := s.store.WriteBatch(ctx, ws); err != nil {
		s.recordCycleErr(err)
		s.logger.Error("beacon: write batch failed, discarding commit", "cycle_id", cycleID, "error", err)
		// EmitState is intentionally NOT committed: the next cycle compares
		// against the old baseline and re-stages the same changes, per
		// spec.md §4.8's write-failure semantics.
	} else {
		s.eval.CommitEmitState(pending)
	}

	s.dispatchMessages(ctx, ws.Messages)

	elapsed := time.Since(cycleStart)
	s.metrics.RecordCycle(elapsed, s.opts.Period)
	s.mu.Lock()
	s.cycleCount++
	s.mu.Unlock()
	return elapsed
}

// dispatchMessages publishes every staged message asynchronously, so a slow
// or failing publish never blocks the next cycle, per spec.md §4.7 step 6.
// Per-channel order is preserved: each channel's messages are dispatched by
// a single goroutine, in the order the evaluator staged them, while
// different channels proceed concurrently.
func (s *Scheduler) dispatchMessages(ctx context.Context, messages []plan.Message) {
	if len(messages) == 0 {
		return
	}
	byChannel := make(map[string][]string)
	var order []string
	for _, m := range messages {
		if _, seen := byChannel[m.Channel]; !seen {
			order = append(order, m.Channel)
		}
		byChannel[m.Channel] = append(byChannel[m.Channel], m.Body)
	}
	for _, channel := range order {
		channel := channel
		bodies := byChannel[channel]
		s.publishWG.Add(1)
		go func() {
			defer s.publishWG.Done()
			for _, body := range bodies {
				if err := s.store.Publish(ctx, channel, body); err != nil {
					s.logger.Error("beacon: publish failed", "channel", channel, "error", err)
				}
			}
		}()
	}
}

// drainPublishes waits up to opts.PublishGrace for in-flight publishes to
// finish, then returns regardless, per spec.md §4.7's cancellation policy.
func (s *Scheduler) drainPublishes() {
	done := make(chan struct{})
	go func() {
		s.publishWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.PublishGrace):
		s.logger.Warn("beacon: publish grace period elapsed with publishes still in flight")
	}
}

// startHealthChecks polls Store.Health and the connection pool gauge on a
// robfig/cron "@every" schedule (the cycle loop itself stays on a raw
// time.Timer since cron's resolution floor is whole seconds, too coarse for
// a 100ms cycle), tracking consecutive failures so Degraded() can report
// spec.md §7's "records health as degraded" user-visible behavior on
// persistent Store failure. It runs for the lifetime of ctx, independent of
// the cycle timer, since a stalled cycle loop (e.g. blocked in a retry)
// should not also silence health reporting.
func (s *Scheduler) startHealthChecks(ctx context.Context) {
	failureMax := s.opts.HealthFailureMax
	if failureMax <= 0 {
		failureMax = 3
	}
	s.healthCron = cron.New()
	s.healthCron.Schedule(cron.Every(s.opts.HealthInterval), cron.FuncJob(func() {
		report := s.store.Health(ctx)
		s.store.ReportPoolStats()
		s.mu.Lock()
		if report.OK {
			s.consecutiveBad = 0
			s.degraded = false
		} else {
			s.consecutiveBad++
			if s.consecutiveBad >= failureMax {
				s.degraded = true
			}
		}
		s.mu.Unlock()
	}))
	s.healthCron.Start()
}

// Degraded reports whether the store has failed its last HealthFailureMax
// consecutive health checks.
func (s *Scheduler) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Scheduler) recordCycleErr(err error) {
	s.mu.Lock()
	s.lastCycleErr = err
	s.mu.Unlock()
}

// LastCycleError returns the most recent cycle-level error (snapshot or
// commit failure), or nil if the last cycle succeeded. Exposed for health
// reporting.
func (s *Scheduler) LastCycleError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycleErr
}

// CycleCount returns the number of cycles fully executed so far, for tests
// and health reporting. A cycle whose snapshot read failed (and so skipped
// evaluation) is not counted.
func (s *Scheduler) CycleCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycleCount
}
