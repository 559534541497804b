package gpu

// Stream is an ordered asynchronous work queue. Work issued on one stream
// executes in issue order; there is no ordering between streams.
type Stream interface {
	// ID identifies the stream within its device
	ID() int

	// Query reports the stream state without blocking: nil when all issued
	// work has finished, ErrNotReady while work is pending, ErrUnloading
	// during runtime shutdown, or an error recorded by failed work.
	Query() error

	// MemcpyAsync enqueues a copy of n bytes from src to dst
	MemcpyAsync(dst, src Block, n int64) error

	// RecordEvent enqueues a marker that completes once all work issued
	// before it has finished
	RecordEvent() (Event, error)

	// AddCallback enqueues fn to run exactly once after all work issued
	// before it has finished. status carries the error, if any, recorded on
	// the stream at that point.
	AddCallback(fn func(status error)) error

	// Synchronize blocks until all issued work has finished
	Synchronize() error
}

// Event is a completion marker recorded on a stream
type Event interface {
	// Synchronize blocks until the marker has been reached
	Synchronize() error

	// Destroy releases the marker. It must not be used afterwards.
	Destroy() error
}

// syncStream is the stream of a device without an asynchronous runtime.
// Every operation completes before it returns.
type syncStream struct {
	id int
}

func (s *syncStream) ID() int      { return s.id }
func (s *syncStream) Query() error { return nil }

func (s *syncStream) MemcpyAsync(dst, src Block, n int64) error {
	return copyBlocks(dst, src, n)
}

func (s *syncStream) RecordEvent() (Event, error) {
	return doneEvent{}, nil
}

func (s *syncStream) AddCallback(fn func(status error)) error {
	fn(nil)
	return nil
}

func (s *syncStream) Synchronize() error { return nil }

// doneEvent is an event that has already completed
type doneEvent struct{}

func (doneEvent) Synchronize() error { return nil }
func (doneEvent) Destroy() error     { return nil }
