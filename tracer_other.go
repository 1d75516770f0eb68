//go:build !linux || !amd64
// +build !linux !amd64

package bpfcov

// New is not supported on platforms other than linux/amd64, where the
// tracer's register model lives.
func New(_ string, _ []string, _ *TracerOpts) (Tracer, error) {
	return nil, errUnsupportedPlatform
}
