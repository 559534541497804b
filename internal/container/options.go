package container

type options struct {
	name string
	wait bool
}

// Option configures container construction
type Option func(*options)

// WithName sets the friendly name reported with runtime failures
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithoutWait makes a constructor return as soon as its initializing
// transfer is issued. The caller must call Wait before relying on the
// contents, and must keep any source slice unchanged until then.
func WithoutWait() Option {
	return func(o *options) {
		o.wait = false
	}
}

func buildOptions(opts []Option) options {
	o := options{wait: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
