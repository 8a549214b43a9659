package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "apitrail"
)

// Стримы (доставка записей)
const (
	// RedisStreamRequests — стрим по умолчанию для redis-sink.
	RedisStreamRequests = RedisNamespace + ":stream:requests"

	// RedisStreamMaxLen — приблизительный предел длины стрима (MAXLEN ~).
	RedisStreamMaxLen = 100000
)

// GetServiceStreamKey Генератор ключа стрима для отдельного сервиса
func GetServiceStreamKey(service string) string {
	return fmt.Sprintf("%s:stream:requests:%s", RedisNamespace, service)
}
