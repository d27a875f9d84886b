package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

// Dispatcher runs turns in the background. Work runs under the dispatcher's
// base context, so it outlives the HTTP request that scheduled it.
type Dispatcher struct {
	ctx    context.Context
	wg     sync.WaitGroup
	logger *logger.Logger
}

// NewDispatcher creates a dispatcher whose tasks inherit ctx.
func NewDispatcher(ctx context.Context, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		ctx:    ctx,
		logger: logger.OrGlobal(log),
	}
}

// Go schedules fn and returns immediately. Panics in fn are logged.
func (d *Dispatcher) Go(fn func(ctx context.Context)) {
	d.wg.Add(1)
	metrics.IncrementTurnsInFlight()

	go func() {
		defer d.wg.Done()
		defer metrics.DecrementTurnsInFlight()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("background task panicked",
					zap.String("panic", fmt.Sprint(r)),
					zap.ByteString("stack", debug.Stack()),
				)
			}
		}()

		fn(d.ctx)
	}()
}

// Wait blocks until every scheduled task has returned or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
