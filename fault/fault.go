// Package fault reports unrecoverable driver defects. A fault means the
// driver's own bookkeeping is wrong and continuing would corrupt future I/O,
// so it halts the calling goroutine with a panic rather than returning a
// value. Expected runtime conditions (no data, bad handle) are never faults.
package fault

import "fmt"

// Fault is the panic value raised by Throwf and Check.
type Fault struct {
	msg string
}

func (f *Fault) Error() string {
	return "fault: " + f.msg
}

// Throwf panics with a *Fault.
func Throwf(format string, args ...any) {
	panic(&Fault{msg: fmt.Sprintf(format, args...)})
}

// Check panics with a *Fault if cond is false.
func Check(cond bool, msg string) {
	if !cond {
		panic(&Fault{msg: msg})
	}
}
