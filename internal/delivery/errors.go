package delivery

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen — предохранитель разомкнут, коллектор не вызывался.
var ErrCircuitOpen = errors.New("collector circuit open")

// StatusError — коллектор ответил кодом вне диапазона 2xx.
type StatusError struct {
	StatusCode int
	Body       string // начало тела ответа для диагностики
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("collector responded with status %d: %s", e.StatusCode, e.Body)
}
