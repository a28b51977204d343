package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateKey is returned by Add operations when the key already exists.
var ErrDuplicateKey = errors.New("record already exists")

// BatchError aggregates the per-record failures of a batch upsert. Records
// before the failure may already be applied; callers treat the batch as
// best-effort idempotent and retry whole.
type BatchError struct {
	Failed []string // record ids that failed
	errs   []error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch upsert: %d record(s) failed [%s]: %v",
		len(e.Failed), strings.Join(e.Failed, ", "), errors.Join(e.errs...))
}

func (e *BatchError) Unwrap() []error { return e.errs }

func (e *BatchError) add(id string, err error) {
	e.Failed = append(e.Failed, id)
	e.errs = append(e.errs, err)
}

func (e *BatchError) orNil() error {
	if len(e.Failed) == 0 {
		return nil
	}
	return e
}
