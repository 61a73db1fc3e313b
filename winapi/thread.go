package winapi

// CurrentThreadID returns the OS thread id of the calling goroutine's
// current OS thread, used as the key for both the per-thread
// InvocationStack and the IgnoreRegistry. Callers that care about thread
// identity stability must runtime.LockOSThread first; the dispatcher runs
// on the native thread that called into the target, which is already
// pinned for the duration of the call.
func CurrentThreadID() uint32 {
	r, _, _ := procGetCurrentThreadId.Call()
	return uint32(r)
}

// GetLastError reads the calling thread's last-error indicator (spec §3's
// InvocationFrame.system_error, §4.5's system_error accessor).
func GetLastError() uint32 {
	r, _, _ := procGetLastError.Call()
	return uint32(r)
}

// SetLastError writes the calling thread's last-error indicator.
func SetLastError(code uint32) {
	procSetLastError.Call(uintptr(code))
}
