// Package buffer holds decoded log records between ingestion and shipping.
package buffer

import (
	"sync"

	"github.com/mumzworld-tech/lambda-log-shipper/internal/record"
)

// Buffer is the process-wide pending-log buffer. The ingestion server is
// its only appender and the flush loop its only drainer; every operation
// runs under one mutex, so a drain never observes half of an appended batch.
type Buffer struct {
	mu       sync.Mutex
	records  []record.LogRecord
	maxSize  int // 0 means unbounded
	byteSize int
	dropped  int
	ready    chan struct{}
	closed   bool
}

// New creates a buffer. maxSize <= 0 disables the capacity limit.
func New(maxSize int) *Buffer {
	if maxSize < 0 {
		maxSize = 0
	}
	return &Buffer{
		maxSize: maxSize,
		ready:   make(chan struct{}, 1),
	}
}

// Append adds records in order under a single lock acquisition and signals
// readiness. It returns the number of records accepted. Once closed nothing
// is accepted and the records count as dropped.
func (b *Buffer) Append(records ...record.LogRecord) int {
	if len(records) == 0 {
		return 0
	}

	b.mu.Lock()
	if b.closed {
		b.dropped += len(records)
		b.mu.Unlock()
		return 0
	}
	for _, rec := range records {
		if b.maxSize > 0 && len(b.records) >= b.maxSize {
			b.byteSize -= b.records[0].Size()
			b.records[0] = record.LogRecord{}
			b.records = b.records[1:]
			b.dropped++
		}
		b.records = append(b.records, rec)
		b.byteSize += rec.Size()
	}
	b.mu.Unlock()

	b.SignalReady()
	return len(records)
}

// Snapshot returns a copy of the current contents without removing them
func (b *Buffer) Snapshot() []record.LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]record.LogRecord, len(b.records))
	copy(out, b.records)
	return out
}

// Drain atomically returns every pending record and empties the buffer.
// The buffer stays open for further appends.
func (b *Buffer) Drain() []record.LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.records
	b.records = nil
	b.byteSize = 0
	return out
}

// Close drains the buffer and rejects any later appends
func (b *Buffer) Close() []record.LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	out := b.records
	b.records = nil
	b.byteSize = 0
	return out
}

// Flush returns and removes up to batchSize records from the front
func (b *Buffer) Flush(batchSize int) []record.LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) == 0 || batchSize <= 0 {
		return nil
	}

	count := batchSize
	if count > len(b.records) {
		count = len(b.records)
	}

	return b.take(count)
}

// FlushBySize returns records up to maxBytes or batchSize, whichever comes
// first. At least one record is returned when the buffer is non-empty.
func (b *Buffer) FlushBySize(batchSize int, maxBytes int) []record.LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) == 0 || batchSize <= 0 {
		return nil
	}

	count := 0
	size := 0
	for i := 0; i < len(b.records) && count < batchSize; i++ {
		recSize := b.records[i].Size()
		if size+recSize > maxBytes && count > 0 {
			break
		}
		size += recSize
		count++
	}

	return b.take(count)
}

// take must be called with mu held
func (b *Buffer) take(count int) []record.LogRecord {
	batch := make([]record.LogRecord, count)
	copy(batch, b.records[:count])

	for i := 0; i < count; i++ {
		b.byteSize -= b.records[i].Size()
	}

	b.records = b.records[count:]
	if len(b.records) == 0 {
		b.records = nil
	}
	return batch
}

// Len returns the number of pending records
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// ByteSize returns the approximate byte size of pending records
func (b *Buffer) ByteSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byteSize
}

// Dropped returns how many records were evicted because the buffer was full
func (b *Buffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Ready returns a channel that signals when records were appended
func (b *Buffer) Ready() <-chan struct{} {
	return b.ready
}

// SignalReady wakes a waiting flusher without blocking
func (b *Buffer) SignalReady() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}
