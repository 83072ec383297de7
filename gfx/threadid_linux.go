package gfx

import "golang.org/x/sys/unix"

func currentThreadID() (uint64, bool) {
	return uint64(unix.Gettid()), true
}
