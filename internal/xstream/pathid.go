package xstream

import "github.com/schwicke/xrootd/pkg/xrdif"

// PathID is the (up, down) substream pair selecting, for one message,
// which substream sends it and which substream its reply is expected
// on.
type PathID = xrdif.PathID
