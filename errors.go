package bpfcov

import (
	"runtime"

	"golang.org/x/xerrors"
)

var (
	errUnsupportedOS = xerrors.Errorf(`%q is an unsupported OS, only "linux" is supported`, runtime.GOOS)

	errUnsupportedPlatform = xerrors.Errorf("%s/%s is an unsupported platform, tracing requires linux/amd64", runtime.GOOS, runtime.GOARCH)
)

// Suppress unused variable errors. These variables are used in files that are
// not included in all builds.
var (
	_ = errUnsupportedOS
	_ = errUnsupportedPlatform
)
