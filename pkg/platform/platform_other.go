//go:build !linux && !darwin

package platform

func newForOS(Runner) Platform {
	return NewUnsupported()
}
