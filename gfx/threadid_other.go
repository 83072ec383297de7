//go:build !linux && !windows

package gfx

// No portable thread id; ThreadPools.Current reports an error.
func currentThreadID() (uint64, bool) {
	return 0, false
}
