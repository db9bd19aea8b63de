package wire

import "errors"

// Validator accumulates frame-validation errors so that a single pass over
// a header can report every problem found instead of stopping at the first.
type Validator struct {
	accum []error
}

// AddError appends a validation error.
func (v *Validator) AddError(err error) {
	if err == nil {
		panic("wire: AddError called with nil error")
	}
	v.accum = append(v.accum, err)
}

// HasError reports whether any error has been accumulated since the last Reset.
func (v *Validator) HasError() bool { return len(v.accum) != 0 }

// Err returns the accumulated errors joined together, or nil if there were none.
func (v *Validator) Err() error {
	switch len(v.accum) {
	case 0:
		return nil
	case 1:
		return v.accum[0]
	default:
		return errors.Join(v.accum...)
	}
}

// Reset clears accumulated errors so the Validator can be reused.
func (v *Validator) Reset() { v.accum = v.accum[:0] }

// ErrShortBuffer is returned by frame constructors when the backing buffer
// is too small to hold a fixed-size header.
var ErrShortBuffer = errors.New("wire: short buffer")
