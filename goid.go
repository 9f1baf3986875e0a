package alljoyn

import (
	"bytes"
	"runtime"
	"strconv"
)

// goid returns the current goroutine's id. The dispatch core keys its
// active-handler bookkeeping by goroutine identity (who is inside which
// receiver's handler right now), which the runtime does not expose directly;
// the first line of a single-goroutine stack dump is stable and documented
// enough ("goroutine N [running]:") to parse.
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
