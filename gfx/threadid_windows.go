package gfx

import "golang.org/x/sys/windows"

func currentThreadID() (uint64, bool) {
	return uint64(windows.GetCurrentThreadId()), true
}
