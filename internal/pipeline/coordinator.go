package pipeline

/*
Файл coordinator.go реализует конвейер доставки телеметрии запросов.

Ключевые особенности архитектуры:
- Non-blocking Capture: Enqueue только кладет запись в буфер под мьютексом.
  Сетевой вызов никогда не выполняется в горутине запроса.
- Два независимых триггера: по размеру (flushSize) и по таймеру (Scheduler).
- Single Flight: одновременно выполняется не более одной доставки. Флаг
  "flush in progress" берется через CompareAndSwap, поэтому гонки check-then-act
  между триггером по размеру и таймером нет.
- Requeue: неудачная пачка возвращается в голову буфера до освобождения флага.
  При переполнении вытесняются самые старые записи (свежесть важнее полноты).
- Drain Pattern: Close дожидается текущей доставки, забирает флаг себе
  и делает финальный сброс с ограниченным числом попыток.
*/

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/apitrail/internal/domain"
)

const (
	DefaultFlushSize        = 50
	DefaultMaxBufferSize    = 1000
	DefaultFlushInterval    = 5 * time.Second
	DefaultSendTimeout      = 10 * time.Second
	DefaultShutdownAttempts = 3
)

// Deliverer определяет, куда физически уходит пачка записей.
type Deliverer interface {
	// Send отправляет пачку целиком. nil — успех, любая ошибка — неудача.
	Send(ctx context.Context, batch []domain.Record) error
}

// Trigger — источник попытки сброса (для логов и метрик).
type Trigger string

const (
	TriggerSize     Trigger = "size"
	TriggerTimer    Trigger = "timer"
	TriggerManual   Trigger = "manual"
	TriggerShutdown Trigger = "shutdown"
)

type Options struct {
	FlushSize        int
	MaxBufferSize    int
	SendTimeout      time.Duration
	ShutdownAttempts uint
}

func (o Options) withDefaults() Options {
	if o.FlushSize <= 0 {
		o.FlushSize = DefaultFlushSize
	}
	if o.MaxBufferSize <= 0 {
		o.MaxBufferSize = DefaultMaxBufferSize
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	// Attempts(0) в retry-go означает бесконечные попытки
	if o.ShutdownAttempts == 0 {
		o.ShutdownAttempts = DefaultShutdownAttempts
	}
	return o
}

// Coordinator владеет буфером и доставщиком и решает, когда сбрасывать пачку.
type Coordinator struct {
	buf       *Buffer
	deliverer Deliverer
	opts      Options
	logger    *zap.Logger
	metrics   *Metrics

	inFlight atomic.Bool // FlushState: true — доставка выполняется
	closed   atomic.Bool

	evictLog rate.Sometimes
}

func NewCoordinator(deliverer Deliverer, opts Options, logger *zap.Logger, metrics *Metrics) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	opts = opts.withDefaults()

	return &Coordinator{
		buf:       NewBuffer(opts.FlushSize),
		deliverer: deliverer,
		opts:      opts,
		logger:    logger.With(zap.String("mod", "pipeline")),
		metrics:   metrics,
		evictLog:  rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Enqueue принимает запись от capture-хука. Никогда не ждет сети и не возвращает ошибок.
func (c *Coordinator) Enqueue(rec domain.Record) {
	if c.closed.Load() {
		c.metrics.RecordsDropped.WithLabelValues("closed").Inc()
		c.logger.Debug("record dropped: pipeline is closed", zap.String("url", rec.URL))
		return
	}

	n, ok := c.buf.Enqueue(rec)
	if !ok {
		// Close успел запечатать буфер между проверкой флага и вставкой
		c.metrics.RecordsDropped.WithLabelValues("closed").Inc()
		c.logger.Debug("record dropped: pipeline is closed", zap.String("url", rec.URL))
		return
	}
	c.metrics.RecordsEnqueued.Inc()
	c.metrics.BufferRecords.Set(float64(n))

	if n >= c.opts.FlushSize {
		c.TryFlush(TriggerSize)
	}
}

// TryFlush запускает доставку, если буфер не пуст и другой доставки нет.
// Сама доставка идет в отдельной горутине. Возвращает true, если сброс начат.
func (c *Coordinator) TryFlush(trigger Trigger) bool {
	if c.closed.Load() || c.buf.Len() == 0 {
		return false
	}

	if !c.inFlight.CompareAndSwap(false, true) {
		c.metrics.Flushes.WithLabelValues(string(trigger), "skipped").Inc()
		return false
	}

	batch := c.buf.DrainAll()
	c.metrics.BufferRecords.Set(float64(c.buf.Len()))
	if len(batch) == 0 {
		c.inFlight.Store(false)
		return false
	}

	go c.deliver(trigger, batch)
	return true
}

// Flushing сообщает, выполняется ли сейчас доставка.
func (c *Coordinator) Flushing() bool {
	return c.inFlight.Load()
}

func (c *Coordinator) Len() int {
	return c.buf.Len()
}

// Buffer отдает буфер для диагностики.
func (c *Coordinator) Buffer() *Buffer {
	return c.buf
}

func (c *Coordinator) deliver(trigger Trigger, batch []domain.Record) {
	// Освобождаем флаг на любом пути выхода, иначе конвейер встанет навсегда
	defer c.inFlight.Store(false)

	err := c.send(context.Background(), batch)
	if err == nil {
		c.metrics.Flushes.WithLabelValues(string(trigger), "success").Inc()
		c.logger.Debug("batch delivered",
			zap.String("trigger", string(trigger)),
			zap.Int("batch_size", len(batch)),
		)
		return
	}

	// Requeue строго до освобождения флага
	evicted := c.buf.Requeue(batch, c.opts.MaxBufferSize)
	buffered := c.buf.Len()
	c.metrics.BufferRecords.Set(float64(buffered))
	c.metrics.Flushes.WithLabelValues(string(trigger), "failure").Inc()

	c.logger.Warn("delivery failed, batch requeued",
		zap.String("trigger", string(trigger)),
		zap.Int("batch_size", len(batch)),
		zap.Int("buffered", buffered),
		zap.Error(err),
	)

	if evicted > 0 {
		c.metrics.RecordsDropped.WithLabelValues("evicted").Add(float64(evicted))
		c.evictLog.Do(func() {
			c.logger.Warn("buffer overflow: oldest records evicted",
				zap.Int("evicted", evicted),
				zap.Uint64("evicted_total", c.buf.Evicted()),
				zap.Int("max_buffer_size", c.opts.MaxBufferSize),
			)
		})
	}
}

// send вызывает доставщика с таймаутом и превращает панику в обычную ошибку.
func (c *Coordinator) send(ctx context.Context, batch []domain.Record) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()

	start := time.Now()
	c.metrics.BatchSize.Observe(float64(len(batch)))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliverer panic: %v", r)
		}
		result := "success"
		if err != nil {
			result = "failure"
		}
		c.metrics.DeliveryDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}()

	return c.deliverer.Send(ctx, batch)
}

// Close закрывает вход, дожидается текущей доставки и делает финальный сброс.
// После Close флаг доставки остается занятым: новых сбросов не будет.
func (c *Coordinator) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.logger.Info("stopping pipeline: waiting for in-flight delivery...")
	if err := c.acquire(ctx); err != nil {
		return fmt.Errorf("wait for in-flight delivery: %w", err)
	}

	batch := c.buf.Seal()
	c.metrics.BufferRecords.Set(0)
	if len(batch) == 0 {
		c.logger.Info("pipeline stopped gracefully")
		return nil
	}

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(c.opts.ShutdownAttempts),
		retry.DelayType(retry.BackOffDelay),
	)
	err := r.Do(func() error {
		return c.send(ctx, batch)
	})
	if err != nil {
		c.metrics.Flushes.WithLabelValues(string(TriggerShutdown), "failure").Inc()
		c.metrics.RecordsDropped.WithLabelValues("shutdown").Add(float64(len(batch)))
		c.logger.Error("final flush failed, records dropped",
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
		return fmt.Errorf("final flush: %w", err)
	}

	c.metrics.Flushes.WithLabelValues(string(TriggerShutdown), "success").Inc()
	c.logger.Info("pipeline stopped gracefully", zap.Int("final_batch_size", len(batch)))
	return nil
}

// acquire ждет, пока флаг освободится, и забирает его.
func (c *Coordinator) acquire(ctx context.Context) error {
	if c.inFlight.CompareAndSwap(false, true) {
		return nil
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.inFlight.CompareAndSwap(false, true) {
				return nil
			}
		}
	}
}
