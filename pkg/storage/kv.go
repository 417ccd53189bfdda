package storage

import (
	"errors"
	"iter"

	"github.com/nobletooth/querycache/pkg/query"
)

var (
	ErrKeyNotFound    = errors.New("key was not found")
	ErrUninitialized  = errors.New("skip list not initialized")
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidRecord  = errors.New("invalid record")
)

// RecordHolder stores the records of a single namespace, keyed by object id.
type RecordHolder interface {
	Get(id string) (*query.Record, bool)
	Set(record *query.Record) (bool /*alreadyExists*/, error)
	Delete(id string) (*query.Record, error)
	Len() int
	Scan() iter.Seq[*query.Record]
}

var _ RecordHolder = (*MemTable)(nil)
