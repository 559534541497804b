package container

import (
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/jiangwu1911/memtest/internal/dtype"
	"github.com/jiangwu1911/memtest/internal/gpu"
	"github.com/jiangwu1911/memtest/internal/logging"
)

// gate holds a stream busy until the returned function is called
func gate(t *testing.T, s gpu.Stream) func() {
	t.Helper()
	ch := make(chan struct{})
	if err := s.AddCallback(func(error) { <-ch }); err != nil {
		t.Fatalf("AddCallback failed: %v", err)
	}
	var once sync.Once
	open := func() { once.Do(func() { close(ch) }) }
	t.Cleanup(open)
	return open
}

// faultyStream injects errors into Query and AddCallback, and can hand
// callbacks a failed status
type faultyStream struct {
	gpu.Stream
	queryErr       error
	callbackErr    error
	callbackStatus error
}

func (s *faultyStream) Query() error {
	if s.queryErr != nil {
		return s.queryErr
	}
	return s.Stream.Query()
}

func (s *faultyStream) AddCallback(fn func(error)) error {
	if s.callbackErr != nil {
		return s.callbackErr
	}
	if s.callbackStatus != nil {
		return s.Stream.AddCallback(func(error) { fn(s.callbackStatus) })
	}
	return s.Stream.AddCallback(fn)
}

// recorder collects reported failures
type recorder struct {
	mu       sync.Mutex
	failures []Failure
}

func (r *recorder) handle(f Failure) {
	r.mu.Lock()
	r.failures = append(r.failures, f)
	r.mu.Unlock()
}

func (r *recorder) all() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.failures)
}

func TestConcreteScenario(t *testing.T) {
	dev := &countingDevice{Device: gpu.NewCPUDevice(gpu.Options{})}
	a := newTestAllocator(t, dev, AllocatorConfig{})

	c, err := New[int32](a, gpu.LocationHost, nil, 1000)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.Bytes() != 4000 {
		t.Fatalf("Expected 4000 bytes, got %d", c.Bytes())
	}
	ptr := c.Ptr()
	c.Free()

	allocs := dev.allocs.Load()
	again, err := New[int32](a, gpu.LocationHost, nil, 1000)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer again.Free()

	if again.Ptr() != ptr {
		t.Error("Expected the pooled buffer to be reused")
	}
	if dev.allocs.Load() != allocs {
		t.Errorf("Expected no new allocations, got %d", dev.allocs.Load()-allocs)
	}
	if hits := a.Stats().At(gpu.LocationHost).PoolHits; hits != 1 {
		t.Errorf("Expected 1 pool hit, got %d", hits)
	}
}

func TestNewInvalidArgument(t *testing.T) {
	a := newTestAllocator(t, gpu.NewCPUDevice(gpu.Options{}), AllocatorConfig{})

	tests := []struct {
		name string
		fn   func() error
	}{
		{"zero elements", func() error {
			_, err := New[float32](a, gpu.LocationHost, nil, 0)
			return err
		}},
		{"empty slice", func() error {
			_, err := FromSlice(a, gpu.LocationHost, nil, []int8{})
			return err
		}},
		{"empty sequence", func() error {
			_, err := FromSeq(a, gpu.LocationHost, nil, slices.Values([]int64(nil)))
			return err
		}},
		{"invalid location", func() error {
			_, err := New[uint16](a, gpu.LocationInvalid, nil, 4)
			return err
		}},
		{"nil allocator", func() error {
			_, err := New[uint16](nil, gpu.LocationHost, nil, 4)
			return err
		}},
		{"nil source", func() error {
			_, err := FromContainer[uint16](gpu.LocationHost, nil)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("Expected ErrInvalidArgument, got %v", err)
			}
		})
	}

	if st := a.Stats().Total(); st.Allocations != 0 {
		t.Errorf("Rejected requests must not allocate, got %d allocations", st.Allocations)
	}
}

func TestNewOutOfMemory(t *testing.T) {
	dev := &countingDevice{Device: gpu.NewEmulatedDevice(gpu.Options{})}
	a := newTestAllocator(t, dev, AllocatorConfig{})
	dev.fail.Store(true)

	c, err := New[float64](a, gpu.LocationDevice, nil, 128)
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("Expected ErrOutOfMemory, got %v", err)
	}
	if c != nil {
		t.Error("Expected no container on failure")
	}
}

func TestCPUDegradesToHost(t *testing.T) {
	a := newTestAllocator(t, gpu.NewCPUDevice(gpu.Options{}), AllocatorConfig{})

	c, err := FromSlice(a, gpu.LocationDevice, nil, []uint32{1, 2, 3})
	if err != nil {
		t.Fatalf("FromSlice failed: %v", err)
	}
	defer c.Free()

	if !c.IsHost() {
		t.Errorf("Expected host location on CPU device, got %v", c.Location())
	}
	if !slices.Equal(c.Slice(), []uint32{1, 2, 3}) {
		t.Errorf("Unexpected contents %v", c.Slice())
	}

	d, err := FromContainer(gpu.LocationDevice, c)
	if err != nil {
		t.Fatalf("FromContainer failed: %v", err)
	}
	d.Slice()[0] = 42
	if c.Slice()[0] != 1 {
		t.Error("FromContainer must copy, not alias")
	}
	d.Free()
}

func checkTransfers[T dtype.Element](t *testing.T, a *Allocator, data []T) {
	locs := []gpu.Location{gpu.LocationHost, gpu.LocationDevice}
	for _, from := range locs {
		for _, to := range locs {
			t.Run(from.String()+"->"+to.String(), func(t *testing.T) {
				src, err := FromSlice(a, from, nil, data)
				if err != nil {
					t.Fatalf("FromSlice failed: %v", err)
				}
				defer src.Free()

				dst, err := FromContainer(to, src)
				if err != nil {
					t.Fatalf("FromContainer failed: %v", err)
				}
				defer dst.Free()

				if dst.Len() != src.Len() || dst.Location() != to {
					t.Fatalf("Unexpected destination: len=%d loc=%v", dst.Len(), dst.Location())
				}
				if got := dst.HostCopy(); !slices.Equal(got, data) {
					t.Errorf("Contents differ: got %v, want %v", got, data)
				}
				if dst.Err() != nil {
					t.Errorf("Unexpected failure: %v", dst.Err())
				}
			})
		}
	}
}

func TestTransferMatrix(t *testing.T) {
	a := newTestAllocator(t, gpu.NewEmulatedDevice(gpu.Options{Latency: 50 * time.Microsecond}), AllocatorConfig{})

	t.Run("int16", func(t *testing.T) {
		checkTransfers(t, a, []int16{-32768, -1, 0, 1, 258, 32767})
	})
	t.Run("float64", func(t *testing.T) {
		checkTransfers(t, a, []float64{-1.5, 0, 3.141592653589793, 1e300})
	})
	t.Run("uint8", func(t *testing.T) {
		checkTransfers(t, a, []uint8{0, 1, 127, 128, 255})
	})
}

func TestDeviceContainerAccess(t *testing.T) {
	a := newTestAllocator(t, gpu.NewEmulatedDevice(gpu.Options{}), AllocatorConfig{})

	c, err := FromSeq(a, gpu.LocationDevice, nil, slices.Values([]float32{0.5, 1.5, 2.5}), WithName("weights"))
	if err != nil {
		t.Fatalf("FromSeq failed: %v", err)
	}
	defer c.Free()

	if c.Slice() != nil {
		t.Error("Device memory must not be host addressable")
	}
	if c.Type() != dtype.Float32 || c.Name() != "weights" || !c.IsDevice() {
		t.Errorf("Unexpected metadata: type=%v name=%q loc=%v", c.Type(), c.Name(), c.Location())
	}

	dst := make([]float32, 2)
	if err := c.CopyTo(dst); !errors.Is(err, ErrInsufficientCapacity) {
		t.Errorf("Expected ErrInsufficientCapacity, got %v", err)
	}

	dst = make([]float32, 5)
	if err := c.CopyTo(dst); err != nil {
		t.Fatalf("CopyTo failed: %v", err)
	}
	if !slices.Equal(dst, []float32{0.5, 1.5, 2.5, 0, 0}) {
		t.Errorf("CopyTo wrote %v", dst)
	}
}

func TestWaitConsumesEvent(t *testing.T) {
	a := newTestAllocator(t, gpu.NewEmulatedDevice(gpu.Options{Latency: time.Millisecond}), AllocatorConfig{})

	data := []int64{7, 8, 9}
	c, err := FromSlice(a, gpu.LocationBoth, nil, data, WithoutWait())
	if err != nil {
		t.Fatalf("FromSlice failed: %v", err)
	}
	defer c.Free()

	if c.event == nil {
		t.Fatal("Expected a pending completion marker")
	}
	c.Wait()
	if c.event != nil {
		t.Error("Wait must consume the completion marker")
	}
	c.Wait()

	if !slices.Equal(c.Slice(), data) {
		t.Errorf("Unexpected contents after Wait: %v", c.Slice())
	}

	h, err := FromSlice(a, gpu.LocationHost, nil, data, WithoutWait())
	if err != nil {
		t.Fatalf("FromSlice failed: %v", err)
	}
	defer h.Free()
	if h.event != nil {
		t.Error("Host copies must not create a completion marker")
	}
}

func TestFreeDefersWhileStreamBusy(t *testing.T) {
	dev := &countingDevice{Device: gpu.NewEmulatedDevice(gpu.Options{})}
	a := newTestAllocator(t, dev, AllocatorConfig{})
	s := a.NextStream()

	c, err := New[int32](a, gpu.LocationDevice, s, 64)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ptr := c.Ptr()

	open := gate(t, s)
	c.Free()

	if st := a.Stats().At(gpu.LocationDevice); st.PooledBlocks != 0 {
		t.Fatal("Block returned to the pool while its stream was busy")
	}
	other, err := New[int32](a, gpu.LocationDevice, s, 64)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if other.Ptr() == ptr {
		t.Fatal("Block handed out again before the deferred release ran")
	}

	open()
	if err := s.Synchronize(); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	if st := a.Stats().At(gpu.LocationDevice); st.PooledBlocks != 1 {
		t.Fatalf("Expected the deferred release to pool the block, pooled=%d", st.PooledBlocks)
	}

	reused, err := New[int32](a, gpu.LocationDevice, s, 64)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if reused.Ptr() != ptr {
		t.Error("Expected the deferred block to be reused")
	}
	other.Free()
	reused.Free()
}

func TestFreeIdempotent(t *testing.T) {
	dev := &countingDevice{Device: gpu.NewCPUDevice(gpu.Options{})}
	a := newTestAllocator(t, dev, AllocatorConfig{})

	c, err := New[uint64](a, gpu.LocationHost, nil, 16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.Free()
	c.Free()

	if st := a.Stats().At(gpu.LocationHost); st.PooledBlocks != 1 {
		t.Errorf("Expected exactly one pooled block, got %d", st.PooledBlocks)
	}
	if c.Ptr() != nil || c.Slice() != nil {
		t.Error("Freed container must not expose memory")
	}
	if _, err := FromContainer(gpu.LocationHost, c); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument copying a freed container, got %v", err)
	}
}

func TestConcurrentFree(t *testing.T) {
	a := newTestAllocator(t, gpu.NewEmulatedDevice(gpu.Options{Latency: 20 * time.Microsecond}), AllocatorConfig{})
	baseline := a.Stats().Total().OutstandingBytes

	const workers, perWorker = 8, 50
	containers := make(chan *Container[float32], workers*perWorker)
	for i := 0; i < workers*perWorker; i++ {
		loc := []gpu.Location{gpu.LocationHost, gpu.LocationDevice, gpu.LocationBoth}[i%3]
		c, err := FromSlice(a, loc, nil, []float32{float32(i), 1, 2, 3}, WithoutWait())
		if err != nil {
			t.Fatalf("FromSlice failed: %v", err)
		}
		containers <- c
	}
	close(containers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range containers {
				c.Free()
				c.Free()
			}
		}()
	}
	wg.Wait()
	drain(t, a)

	st := a.Stats().Total()
	if st.OutstandingBytes != baseline {
		t.Errorf("Outstanding bytes %d, want baseline %d", st.OutstandingBytes, baseline)
	}
	if st.PooledBlocks != workers*perWorker {
		t.Errorf("Expected %d pooled blocks, got %d", workers*perWorker, st.PooledBlocks)
	}
}

func TestFreeAfterUnload(t *testing.T) {
	dev := &countingDevice{Device: gpu.NewEmulatedDevice(gpu.Options{})}
	rec := &recorder{}
	a := newTestAllocator(t, dev, AllocatorConfig{OnFailure: rec.handle})

	c, err := New[int8](a, gpu.LocationDevice, nil, 32)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	dev.Free()
	c.Free()

	if st := a.Stats().At(gpu.LocationDevice); st.PooledBlocks != 0 {
		t.Error("Nothing may be released while the runtime unloads")
	}
	if dev.releases.Load() != 0 {
		t.Error("Nothing may be freed while the runtime unloads")
	}
	if len(rec.all()) != 0 {
		t.Errorf("Unloading must not be reported, got %v", rec.all())
	}
}

func TestFreeReportsStreamError(t *testing.T) {
	rec := &recorder{}
	a := newTestAllocator(t, gpu.NewEmulatedDevice(gpu.Options{}), AllocatorConfig{OnFailure: rec.handle})

	boom := errors.New("illegal address")
	s := &faultyStream{Stream: a.NextStream(), queryErr: boom}

	c, err := New[int16](a, gpu.LocationDevice, s, 8, WithName("activations"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.Free()

	failures := rec.all()
	if len(failures) != 1 {
		t.Fatalf("Expected 1 failure, got %d", len(failures))
	}
	f := failures[0]
	if f.Op != "StreamQuery" || f.Container != "activations" || !errors.Is(f.Err, boom) {
		t.Errorf("Unexpected failure %+v", f)
	}
	if f.File == "" || f.Line == 0 {
		t.Error("Expected the failure to carry a source position")
	}
	if !errors.Is(c.Err(), boom) {
		t.Errorf("Expected Err to report the stream error, got %v", c.Err())
	}
	if st := a.Stats().At(gpu.LocationDevice); st.PooledBlocks != 1 {
		t.Error("The block must still be released after a stream error")
	}
}

func TestFreeCallbackStatusReported(t *testing.T) {
	rec := &recorder{}
	a := newTestAllocator(t, gpu.NewEmulatedDevice(gpu.Options{}), AllocatorConfig{OnFailure: rec.handle})

	boom := errors.New("launch failure")
	s := &faultyStream{Stream: a.NextStream(), queryErr: gpu.ErrNotReady, callbackStatus: boom}

	c, err := New[float32](a, gpu.LocationDevice, s, 16, WithName("logits"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.Free()
	drain(t, a)

	failures := rec.all()
	if len(failures) != 1 {
		t.Fatalf("Expected 1 failure, got %d", len(failures))
	}
	f := failures[0]
	if f.Op != "StreamCallback" || f.Container != "logits" || !errors.Is(f.Err, boom) {
		t.Errorf("Unexpected failure %+v", f)
	}
	if filepath.Base(f.File) != "container.go" || f.Line == 0 {
		t.Errorf("Expected a position in container.go, got %s:%d", f.File, f.Line)
	}
	if st := a.Stats().At(gpu.LocationDevice); st.PooledBlocks != 1 {
		t.Error("The block must still be released after a failed callback status")
	}
}

func TestFreeCallbackRegistrationFails(t *testing.T) {
	rec := &recorder{}
	a := newTestAllocator(t, gpu.NewEmulatedDevice(gpu.Options{}), AllocatorConfig{OnFailure: rec.handle})

	s := &faultyStream{
		Stream:      a.NextStream(),
		queryErr:    gpu.ErrNotReady,
		callbackErr: errors.New("callback table full"),
	}
	c, err := New[uint8](a, gpu.LocationDevice, s, 8)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.Free()

	failures := rec.all()
	if len(failures) != 1 || failures[0].Op != "StreamAddCallback" {
		t.Fatalf("Expected one StreamAddCallback failure, got %+v", failures)
	}
	if st := a.Stats().At(gpu.LocationDevice); st.PooledBlocks != 1 {
		t.Error("The block must be released after synchronizing")
	}
}

func TestLogFailure(t *testing.T) {
	prev := logging.Get()
	logger, hook := test.NewNullLogger()
	logging.Set(logger)
	defer logging.Set(prev)

	LogFailure(Failure{
		Op:        "MemcpyAsync",
		Container: "input",
		Location:  gpu.LocationDevice,
		Stream:    3,
		File:      "/src/container.go",
		Line:      42,
		Err:       errors.New("launch failure"),
	})

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("Expected a log entry")
	}
	if entry.Level != logrus.ErrorLevel {
		t.Errorf("Expected error level, got %v", entry.Level)
	}
	if entry.Data["op"] != "MemcpyAsync" || entry.Data["container"] != "input" || entry.Data["file"] != "container.go" {
		t.Errorf("Unexpected fields %v", entry.Data)
	}
	if entry.Data["stream"] != 3 || entry.Data["location"] != "device" {
		t.Errorf("Unexpected fields %v", entry.Data)
	}
}
