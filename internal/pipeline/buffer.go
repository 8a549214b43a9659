package pipeline

import (
	"sync"

	"github.com/xela07ax/apitrail/internal/domain"
)

// Buffer — потокобезопасная упорядоченная очередь записей, ожидающих отправки.
// Enqueue, DrainAll и Requeue сериализуются одним мьютексом.
// Лимит емкости применяется только при возврате неотправленной пачки.
type Buffer struct {
	mu      sync.Mutex
	records []domain.Record
	evicted uint64
	sealed  bool // после Seal новые записи не принимаются
}

func NewBuffer(capacityHint int) *Buffer {
	if capacityHint < 0 {
		capacityHint = 0
	}
	return &Buffer{records: make([]domain.Record, 0, capacityHint)}
}

// Enqueue добавляет запись в хвост и возвращает новый размер очереди.
// false — буфер запечатан, запись не принята.
func (b *Buffer) Enqueue(rec domain.Record) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return len(b.records), false
	}
	b.records = append(b.records, rec)
	return len(b.records), true
}

// Seal забирает все записи и закрывает буфер для Enqueue одним шагом под мьютексом.
func (b *Buffer) Seal() []domain.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sealed = true
	out := b.records
	b.records = nil
	return out
}

// DrainAll атомарно забирает все записи, оставляя буфер пустым.
func (b *Buffer) DrainAll() []domain.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) == 0 {
		return nil
	}
	out := b.records
	b.records = make([]domain.Record, 0, cap(out))
	return out
}

// Requeue возвращает пачку перед записями, пришедшими за время неудачной отправки.
// Если суммарный размер превышает maxCapacity, выбрасываются самые старые записи.
// Возвращает количество вытесненных записей. maxCapacity <= 0 — без лимита.
func (b *Buffer) Requeue(batch []domain.Record, maxCapacity int) int {
	if len(batch) == 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	combined := len(batch) + len(b.records)
	overflow := 0
	if maxCapacity > 0 && combined > maxCapacity {
		overflow = combined - maxCapacity
	}

	merged := make([]domain.Record, 0, combined-overflow)
	if overflow < len(batch) {
		merged = append(merged, batch[overflow:]...)
		merged = append(merged, b.records...)
	} else {
		// Вся пачка и часть свежих записей вытесняются
		merged = append(merged, b.records[overflow-len(batch):]...)
	}

	b.records = merged
	b.evicted += uint64(overflow)
	return overflow
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Snapshot возвращает копию текущего содержимого.
func (b *Buffer) Snapshot() []domain.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Record, len(b.records))
	copy(out, b.records)
	return out
}

// Evicted — сколько записей вытеснено за все время жизни буфера.
func (b *Buffer) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}
