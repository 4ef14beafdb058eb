package realm

import (
	"bytes"
	"runtime"
	"strconv"
)

var goroutinePrefix = []byte("goroutine ")

// goroutineID returns the id of the calling goroutine as printed in stack traces.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	trace := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	end := bytes.IndexByte(trace, ' ')
	if end < 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(trace[:end]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
