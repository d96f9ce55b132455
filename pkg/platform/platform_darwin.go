//go:build darwin

package platform

func newForOS(runner Runner) Platform {
	return NewDarwin(runner)
}
