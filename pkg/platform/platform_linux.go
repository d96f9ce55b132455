//go:build linux

package platform

func newForOS(runner Runner) Platform {
	return NewLinux(runner)
}
