package xstream

import "errors"

// ErrNoAddresses is returned by EnableLink when address resolution
// produces an empty work-list and no cached error can be returned in
// its place.
var ErrNoAddresses = errors.New("xstream: no addresses available")

// ErrSubStreamIndex is returned when a caller addresses a substream
// index the Stream has not spawned.
var ErrSubStreamIndex = errors.New("xstream: substream index out of range")

// ErrNotInitialized is returned by EnableLink, Send and ForceConnect
// when called before Initialize has run.
var ErrNotInitialized = errors.New("xstream: stream not initialized")
