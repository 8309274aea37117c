package revcache

import (
	"errors"
	"fmt"
)

// ErrStorageUnavailable marks cache I/O failures. Readers treat it as an
// empty cache; writers must surface it.
var ErrStorageUnavailable = errors.New("modsync: storage unavailable")

// StorageError describes a failed provider operation.
type StorageError struct {
	Op  string // get | put | touch | index | evict | clear
	Key string // user key; empty for index operations
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage unavailable: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage unavailable: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Err}
}

func storageErr(op, key string, err error) error {
	return &StorageError{Op: op, Key: key, Err: err}
}
