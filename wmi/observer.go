package wmi

import "time"

// Observer receives operation and cache events from a Connection. Methods
// are called synchronously and must not block.
type Observer interface {
	OperationStarted(op string)
	OperationFinished(op string, elapsed time.Duration, err error)

	// CacheLookup reports a lookup in the named connection cache ("class"
	// or "method").
	CacheLookup(cache string, hit bool)
}

type nopObserver struct{}

func (nopObserver) OperationStarted(string)                          {}
func (nopObserver) OperationFinished(string, time.Duration, error) {}
func (nopObserver) CacheLookup(string, bool)                        {}
