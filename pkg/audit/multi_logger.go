package audit

import (
	"context"
	"errors"
	"sync"
)

// MultiLogger fans each event out to several loggers
type MultiLogger struct {
	loggers []Logger
	async   bool
	wg      sync.WaitGroup
	errChan chan error
}

// NewMultiLogger creates a synchronous multi-logger
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{
		loggers: loggers,
		errChan: make(chan error, 16),
	}
}

// SetAsync makes Log return immediately. Errors from async writes are kept
// in a small buffer readable through Errors; overflow is dropped.
func (m *MultiLogger) SetAsync(async bool) {
	m.async = async
}

// Log writes event to every logger. In sync mode every logger is tried and
// the failures are joined.
func (m *MultiLogger) Log(ctx context.Context, event *AuditEvent) error {
	if m.async {
		ctx = context.WithoutCancel(ctx)
		for _, logger := range m.loggers {
			ev := *event
			m.wg.Add(1)
			go func(l Logger) {
				defer m.wg.Done()
				if err := l.Log(ctx, &ev); err != nil {
					select {
					case m.errChan <- err:
					default:
					}
				}
			}(logger)
		}
		return nil
	}

	var errs []error
	for _, logger := range m.loggers {
		ev := *event
		if err := logger.Log(ctx, &ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until pending async writes finish
func (m *MultiLogger) Wait() {
	m.wg.Wait()
}

// Errors drains errors collected from async writes
func (m *MultiLogger) Errors() []error {
	var errs []error
	for {
		select {
		case err := <-m.errChan:
			errs = append(errs, err)
		default:
			return errs
		}
	}
}

// Close waits for pending writes and closes every logger
func (m *MultiLogger) Close() error {
	m.wg.Wait()
	var errs []error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
