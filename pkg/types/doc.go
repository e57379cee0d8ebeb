// Package types holds the value types shared across the XRootD client
// connection core: endpoint URLs, address-family preference, socket and
// message state. Nothing here owns a mutex or a goroutine; everything is
// either immutable or trivially copyable.
package types
