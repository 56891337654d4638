package beansdb

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRevision is returned when set is called with rev < 0.
var ErrInvalidRevision = errors.New("beansdb: revision must be >= 0")

// ErrNoCandidates names the case of a bucket whose replica table is empty,
// e.g. every backend's inventory is still unknown. No client in this package
// returns it: DirectClient's Get, Exists and Incr report that case as a
// ReadFailedError, Set as a WriteFailedError and Delete as a
// DeleteFailedError, each with an empty server list; the multi-key
// operations skip such keys.
var ErrNoCandidates = errors.New("beansdb: no candidate servers for key")

// ReadFailedError means every candidate (or every proxy) raised a transport
// error while servicing a read. A clean miss from every server is not this
// error; it is a default-value return.
type ReadFailedError struct {
	Key     string
	Servers []string
}

func (e *ReadFailedError) Error() string {
	return fmt.Sprintf("beansdb: read failed for key %q, tried servers [%s]", e.Key, strings.Join(e.Servers, ", "))
}

// WriteFailedError means fewer than W of the first N candidates acked a set,
// or a set_multi/proxy set was rejected outright.
type WriteFailedError struct {
	Keys    []string
	Servers []string
}

func (e *WriteFailedError) Error() string {
	return fmt.Sprintf("beansdb: write failed for keys [%s], tried servers [%s]", strings.Join(e.Keys, ", "), strings.Join(e.Servers, ", "))
}

// DeleteFailedError means some candidate in a direct delete returned false.
// The proxy path never raises this; see Router docs for its lenient delete
// contract.
type DeleteFailedError struct {
	Key     string
	Servers []string
}

func (e *DeleteFailedError) Error() string {
	return fmt.Sprintf("beansdb: delete failed for key %q, tried servers [%s]", e.Key, strings.Join(e.Servers, ", "))
}
