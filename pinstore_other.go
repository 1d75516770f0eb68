//go:build !linux
// +build !linux

package bpfcov

import (
	"context"
)

// IsBPFFS always returns an error on operating systems other than Linux.
func IsBPFFS(_ string) (bool, error) {
	return false, errUnsupportedOS
}

func (s *PinStore) PinIfCoverageMap(_ context.Context, _ int) error {
	return errUnsupportedOS
}

func (s *PinStore) OpenPinned(_ MapRole) (GlobalMap, error) {
	return nil, errUnsupportedOS
}
