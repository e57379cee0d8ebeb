// Package xstream implements the client-side connection core: the
// per-endpoint Stream that owns one logical conversation with a remote
// server over one or more physical substreams, drives the connect,
// retry, error, and TTL state machine, and marries outgoing requests
// to their incoming responses.
package xstream
