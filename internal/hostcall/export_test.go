package hostcall

// SetExit replaces the process exit hook used by fatal resolution errors,
// returning a function that restores the previous hook.
func SetExit(fn func(int)) (restore func()) {
	prev := osExit
	osExit = fn
	return func() { osExit = prev }
}
