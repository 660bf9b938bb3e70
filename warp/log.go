package warp

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `warp` package:
// Info:
//     events for abnormal behavior. This level should be silent on normal operation.
//     this includes:
//     - dial failures and unexpected disconnects
//     - send buffer overflow
// Error:
//     protocol defects
//     this includes:
//     - malformed envelopes from a host
//     - unexpected worker signals
// V(1):
//     connection and link lifecycle
// V(2):
//     every envelope sent and received

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}
