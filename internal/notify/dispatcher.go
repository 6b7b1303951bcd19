// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/twofold/twofold/internal/observability"
	"github.com/twofold/twofold/internal/pairing"
	"github.com/twofold/twofold/pkg/errutil"
)

// DefaultTaskTimeout bounds each dispatched task.
const DefaultTaskTimeout = 10 * time.Second

// Dispatcher runs each task on its own goroutine with a deadline.
// Failures and panics are logged and counted, never returned.
type Dispatcher struct {
	logger  *slog.Logger
	timeout time.Duration

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ pairing.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher. timeout <= 0 selects DefaultTaskTimeout.
func NewDispatcher(logger *slog.Logger, timeout time.Duration) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger:  logger.With("component", "dispatcher"),
		timeout: timeout,
		base:    base,
		cancel:  cancel,
	}
}

// Dispatch starts task in the background. Tasks dispatched after Close are dropped.
func (d *Dispatcher) Dispatch(name string, task func(ctx context.Context) error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("dispatcher closed, dropping task", "task", name)
		observability.RecordNotificationFailure(name)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.run(name, task)
	}()
}

func (d *Dispatcher) run(name string, task func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(d.base, d.timeout)
	defer cancel()

	var err error
	defer func() {
		if p := recover(); p != nil {
			err = oops.Code("NOTIFY_TASK_PANIC").Errorf("task panicked: %v", p)
		}
		if err != nil {
			errutil.LogWarn(d.logger.With("task", name), "background task failed", err)
			observability.RecordNotificationFailure(name)
		}
	}()
	err = task(ctx)
}

// Close stops accepting tasks and waits for running ones until ctx is done,
// after which their contexts are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return oops.Code("NOTIFY_CLOSE_TIMEOUT").Wrap(ctx.Err())
	}
}
