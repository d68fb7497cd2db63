package debug

import (
	"fmt"
	"runtime"
)

// Assert panics when truth does not hold. msg is optional, at most one.
//
// the caller's location is baked into the panic message because panic
// recovery tends to bury the interesting frame in the middle of the stack.
func Assert(truth bool, msg ...string) {
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if !truth {
		msg := fmt.Sprintf("assertion failed(%s)", msg)
		if _, file, line, ok := runtime.Caller(1); ok {
			msg = fmt.Sprintf("%s:%d: %s", file, line, msg)
		}
		panic(msg)
	}
}
