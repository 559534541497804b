package container

import (
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/jiangwu1911/memtest/internal/gpu"
	"github.com/jiangwu1911/memtest/internal/logging"
)

// Failure describes an asynchronous runtime operation that did not succeed
type Failure struct {
	Op        string // runtime operation, e.g. "MemcpyAsync"
	Container string // friendly name of the container, if any
	Location  gpu.Location
	Stream    int
	File      string
	Line      int
	Err       error
}

// at stamps f with the position of the function skip frames above its
// caller
func (f Failure) at(skip int) Failure {
	_, f.File, f.Line, _ = runtime.Caller(skip + 1)
	return f
}

// FailureHandler decides what happens when a runtime operation fails.
// Failures are never returned to the caller of the operation that
// triggered them; the handler is the only place they surface.
type FailureHandler func(Failure)

// LogFailure is the default handler: log the failure and carry on
func LogFailure(f Failure) {
	fields := logrus.Fields{
		"op":       f.Op,
		"location": f.Location.String(),
		"stream":   f.Stream,
		"file":     filepath.Base(f.File),
		"line":     f.Line,
	}
	if f.Container != "" {
		fields["container"] = f.Container
	}
	logging.WithFields(fields).Errorf("runtime error: %v", f.Err)
}
