package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/apitrail/internal/domain"
	"github.com/xela07ax/apitrail/internal/pipeline"
)

type BreakerSettings struct {
	Name                string
	MaxRequests         uint32        // пробных запросов в half-open
	Interval            time.Duration // период сброса счетчиков в closed
	Timeout             time.Duration // сколько держать open до пробы
	ConsecutiveFailures uint32        // порог размыкания
}

// Breaker оборачивает доставщика в Circuit Breaker. Пока коллектор лежит,
// Send сразу возвращает ErrCircuitOpen, и пачка уходит обратно в буфер без сетевого вызова.
type Breaker struct {
	next pipeline.Deliverer
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next pipeline.Deliverer, s BreakerSettings, metrics *pipeline.Metrics, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if s.Name == "" {
		s.Name = "collector"
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	log := logger.With(zap.String("mod", "delivery.breaker"))

	if metrics != nil {
		metrics.CircuitBreakerState.WithLabelValues(s.Name).Set(float64(gobreaker.StateClosed))
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("sink", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})

	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Send(ctx context.Context, batch []domain.Record) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, batch)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
