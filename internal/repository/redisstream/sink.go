package redisstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/apitrail/internal/domain"
	"github.com/xela07ax/apitrail/internal/infra"
)

// Sink публикует записи в Redis Stream. Вся пачка уходит одним pipeline,
// поэтому с точки зрения конвейера это один сетевой вызов.
type Sink struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

func NewSink(rdb *redis.Client, stream string, maxLen int64) *Sink {
	if stream == "" {
		stream = infra.RedisStreamRequests
	}
	if maxLen <= 0 {
		maxLen = infra.RedisStreamMaxLen
	}
	return &Sink{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (s *Sink) Stream() string {
	return s.stream
}

// Send реализует pipeline.Deliverer
func (s *Sink) Send(ctx context.Context, batch []domain.Record) error {
	if len(batch) == 0 {
		return nil
	}

	pipe := s.rdb.Pipeline()
	for _, rec := range batch {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true, // ~MAXLEN ради производительности
			ID:     "*",
			Values: map[string]interface{}{
				"service": rec.ServiceName,
				"payload": string(data),
			},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %d records: %w", len(batch), err)
	}
	return nil
}
