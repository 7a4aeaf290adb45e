// Package maperr holds the error kinds shared by the tile pipeline.
//
// Callers match them with errors.As; every kind except ValidationError may
// wrap a cause.
package maperr

import "fmt"

// ValidationError rejects one malformed shard. The batch moves on.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid shard: " + e.Reason
}

// StorageError is an I/O or SQL failure while reading or writing a tile,
// a shard index row or a raster file. Retrying the unit of work is safe.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// GeometryError is a compositing contract violation: no canvas, wrong canvas
// size, or a child that does not belong to the parent.
type GeometryError struct {
	Reason string
}

func (e *GeometryError) Error() string {
	return "geometry: " + e.Reason
}

// RangeError is a pyramid contract violation such as resampling a base tile.
type RangeError struct {
	Reason string
}

func (e *RangeError) Error() string {
	return "range: " + e.Reason
}

func Storage(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Key: key, Err: err}
}
