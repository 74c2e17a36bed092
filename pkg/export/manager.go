// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/hookdemo/pkg/config"
	"go.uber.org/zap"
)

// Invocation is one listener callback, as recorded for export.
type Invocation struct {
	Time     time.Time
	Scenario string
	Hook     string // hook identifier, e.g. "open" or "MessageBeep"
	Function string // exported symbol the hook is attached to
	Module   string
	Address  uint64
	Phase    string // "enter" or "leave"
	Arg      string // first argument, rendered the way the driver prints it
	Count    int64  // listener call count once this callback completed
	PID      int
	TID      int
}

// Summary renders the invocation as a call expression.
func (inv *Invocation) Summary() string {
	return fmt.Sprintf("%s(%s)", inv.Function, inv.Arg)
}

// Exporter is the interface for invocation exporters.
type Exporter interface {
	ExportInvocations(ctx context.Context, invs []*Invocation) error
	Shutdown(ctx context.Context) error
}

const (
	defaultBatchSize     = 256
	defaultFlushInterval = 2 * time.Second
	defaultChannelSize   = 4096

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
)

// Manager batches invocations and hands them to every configured exporter.
type Manager struct {
	logger    *zap.Logger
	exporters []Exporter

	invCh   chan *Invocation
	flushCh chan chan struct{}

	exportCount atomic.Int64
	dropCount   atomic.Int64

	batchSize      int
	flushInterval  time.Duration
	circuitBreaker *CircuitBreaker

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// ManagerConfig holds the configuration needed to create a Manager.
type ManagerConfig struct {
	Exporters   *config.ExportersConfig
	ServiceName string

	// Resource describes the host process. It is attached to every OTLP
	// payload as resource attributes.
	Resource map[string]string

	// Exporters to use in addition to the configured ones.
	Extra []Exporter
}

// NewManager creates an export manager from configuration.
func NewManager(mc *ManagerConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		logger:         logger,
		invCh:          make(chan *Invocation, defaultChannelSize),
		flushCh:        make(chan chan struct{}),
		batchSize:      defaultBatchSize,
		flushInterval:  defaultFlushInterval,
		circuitBreaker: NewCircuitBreaker(5, 30*time.Second),
		stopCh:         make(chan struct{}),
	}

	cfg := mc.Exporters
	if cfg.OTLP.Enabled {
		var exp Exporter
		var err error
		if cfg.OTLP.Protocol == "http" {
			exp, err = NewHTTPOTLPExporter(&cfg.OTLP, mc.ServiceName, mc.Resource, logger)
		} else {
			exp, err = NewOTLPExporter(&cfg.OTLP, mc.ServiceName, mc.Resource, logger)
		}
		if err != nil {
			logger.Warn("failed to create OTLP exporter", zap.Error(err))
		} else {
			m.exporters = append(m.exporters, exp)
		}
	}

	if cfg.Stdout.Enabled {
		m.exporters = append(m.exporters, NewStdoutExporter(nil, cfg.Stdout.Format))
	}
	m.exporters = append(m.exporters, mc.Extra...)

	return m, nil
}

// Enabled reports whether any exporter is configured.
func (m *Manager) Enabled() bool {
	return len(m.exporters) > 0
}

// Start begins the batch export goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.process(ctx)

	m.logger.Debug("export manager started",
		zap.Int("exporters", len(m.exporters)),
		zap.Int("batch_size", m.batchSize),
		zap.Duration("flush_interval", m.flushInterval),
	)
	return nil
}

// Stop flushes remaining invocations and shuts down exporters. It is safe to
// call more than once.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		for _, exp := range m.exporters {
			if err := exp.Shutdown(ctx); err != nil {
				m.logger.Error("exporter shutdown error", zap.Error(err))
			}
		}

		m.logger.Debug("export manager stopped",
			zap.Int64("exported", m.exportCount.Load()),
			zap.Int64("dropped", m.dropCount.Load()),
		)
	})
	return nil
}

// Export queues an invocation. It never blocks the caller; when the queue is
// full the invocation is dropped and counted.
func (m *Manager) Export(inv *Invocation) {
	select {
	case m.invCh <- inv:
	default:
		m.dropCount.Add(1)
		m.logger.Warn("invocation channel full, dropping record")
	}
}

// Flush blocks until everything queued before the call has been handed to
// the exporters, or ctx is done.
func (m *Manager) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case m.flushCh <- done:
	case <-m.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) process(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]*Invocation, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	// drain moves everything already queued into the batch.
	drain := func() {
		for {
			select {
			case inv := <-m.invCh:
				batch = append(batch, inv)
			default:
				return
			}
		}
	}

	for {
		select {
		case inv := <-m.invCh:
			batch = append(batch, inv)
			if len(batch) >= m.batchSize {
				m.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(ctx, batch)
				batch = batch[:0]
			}

		case done := <-m.flushCh:
			drain()
			if len(batch) > 0 {
				m.flush(ctx, batch)
				batch = batch[:0]
			}
			close(done)

		case <-m.stopCh:
			drain()
			if len(batch) > 0 {
				m.flush(ctx, batch)
			}
			return

		case <-ctx.Done():
			drain()
			if len(batch) > 0 {
				m.flush(context.Background(), batch)
			}
			return
		}
	}
}

func (m *Manager) flush(ctx context.Context, invs []*Invocation) {
	// Exporters may hold on to the slice past this call.
	out := append([]*Invocation(nil), invs...)
	delivered := false
	for _, exp := range m.exporters {
		if m.retryExport(ctx, func(expCtx context.Context) error {
			return exp.ExportInvocations(expCtx, out)
		}) {
			delivered = true
		}
	}
	if delivered {
		m.exportCount.Add(int64(len(out)))
	} else {
		m.dropCount.Add(int64(len(out)))
	}
}

// retryExport attempts an export with exponential backoff and circuit
// breaker. It reports whether the exporter accepted the batch.
func (m *Manager) retryExport(ctx context.Context, exportFn func(context.Context) error) bool {
	if !m.circuitBreaker.Allow() {
		m.logger.Debug("circuit breaker open, dropping export")
		return false
	}

	backoff := initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := exportFn(exportCtx)
		cancel()

		if err == nil {
			m.circuitBreaker.RecordSuccess()
			return true
		}

		m.circuitBreaker.RecordFailure()

		if attempt == maxRetries {
			m.logger.Error("export failed after retries",
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return false
		}

		m.logger.Warn("export failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}

		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
	return false
}

// Stats returns the number of exported and dropped invocations. A batch
// counts as exported when at least one exporter accepted it.
func (m *Manager) Stats() (exported, dropped int64) {
	return m.exportCount.Load(), m.dropCount.Load()
}
