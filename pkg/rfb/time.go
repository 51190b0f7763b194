package rfb

import "time"

// nowNano is the single clock read used to feed pkg/flow and
// pkg/update's nanosecond-timestamp APIs, kept as one indirection so
// tests can't accidentally depend on wall-clock time sneaking in
// through two different call sites drifting apart.
func nowNano() int64 { return time.Now().UnixNano() }
