package file

import "time"

// Common test identifiers.
const (
	testPeer     uint32 = 1
	testPeer2    uint32 = 2
	testTransfer uint32 = 7
)

// testTimeout is shorter than DefaultTimeout so sweeps are easy to reason about.
const testTimeout = 10 * time.Second

