package etcp

import "time"

// nowNs returns the current time in nanoseconds since the Unix epoch. It is
// the software clock sample stamped into every frame's swRx (ingress) and
// swTx (egress) timestamps, whether or not the Link reports a hardware one.
func nowNs() int64 { return time.Now().UnixNano() }
