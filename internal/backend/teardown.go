package backend

import (
	"errors"
	"fmt"
	"slices"

	"github.com/fxnlabs/frame-upscaler/internal/graphics"
)

type release struct {
	name string
	fn   func() error
}

// teardown releases resources in the reverse order they were pushed.
type teardown []release

func (t *teardown) push(name string, fn func() error) {
	*t = append(*t, release{name: name, fn: fn})
}

func (t *teardown) pushRelease(name string, r graphics.Resource) {
	t.push(name, func() error {
		r.Release()
		return nil
	})
}

// run releases everything it can. Releases that fail stay on the stack, in
// order, for the next run.
func (t *teardown) run() error {
	var (
		errs []error
		kept []release
	)
	for i := len(*t) - 1; i >= 0; i-- {
		r := (*t)[i]
		if err := r.fn(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", r.name, err))
			kept = append(kept, r)
		}
	}
	slices.Reverse(kept)
	*t = kept
	return errors.Join(errs...)
}
