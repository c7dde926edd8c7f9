package finalizer

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
)

// NewFinalizer returns a new Finalizer.
func NewFinalizer() *Finalizer {
	return &Finalizer{}
}

// Finalizer accumulates resources and releases them together, last added
// first.
type Finalizer struct {
	resources []io.Closer
}

// Add one or more io.Closer to the finalizer.
func (r *Finalizer) Add(cs ...io.Closer) {
	r.resources = append(r.resources, cs...)
}

type noopCloser struct {
	f func()
}

func (np *noopCloser) Close() error {
	np.f()
	return nil
}

// AddFn registers one or more plain funcs to run during cleanup.
func (r *Finalizer) AddFn(fs ...func()) {
	for _, f := range fs {
		r.resources = append(r.resources, &noopCloser{f: f})
	}
}

// Cleanup closes every registered resource, combining their errors with err.
func (r *Finalizer) Cleanup(err error) error {
	var errs []error
	// release in reverse order
	for i := len(r.resources) - 1; i >= 0; i-- {
		if e := r.resources[i].Close(); e != nil {
			errs = append(errs, e)
		}
	}
	return multierror.Append(err, errs...).ErrorOrNil()
}

// Cleanupf is Cleanup with the error wrapped in a format string.
func (r *Finalizer) Cleanupf(format string, err error) error {
	if err != nil {
		return r.Cleanup(fmt.Errorf(format, err))
	}
	return r.Cleanup(nil)
}

// NewContextCloser wraps a context cancel func so it can be registered with
// the finalizer.
func NewContextCloser(cancel context.CancelFunc) io.Closer {
	return &ContextCloser{cf: cancel}
}

// ContextCloser adapts a context cancel func to io.Closer.
type ContextCloser struct {
	cf context.CancelFunc
}

// Close cancels the context.
func (cc ContextCloser) Close() error {
	cc.cf()
	return nil
}
