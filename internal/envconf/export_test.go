package envconf

// SetExit replaces the process exit hook used by fatal configuration
// errors, returning a function that restores the previous hook.
func SetExit(fn func(int)) (restore func()) {
	prev := osExit
	osExit = fn
	return func() { osExit = prev }
}
