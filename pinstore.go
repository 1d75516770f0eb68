package bpfcov

import (
	"context"
	"os"

	"cdr.dev/slog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"
)

// PinStore owns the pin paths of a single program's coverage maps and the
// lifecycle operations on them. Pinning is what keeps the maps alive after
// the traced program exits, and the pinned files are the only state shared
// between a run and a later profile generation.
type PinStore struct {
	reg *Registry
	log slog.Logger
}

// NewPinStore returns a PinStore over the given registry's paths.
func NewPinStore(reg *Registry, log slog.Logger) *PinStore {
	return &PinStore{
		reg: reg,
		log: log,
	}
}

// Reconcile prepares the pin namespace for a fresh run. It ensures the
// program root exists and removes stale pins left behind by a previous run
// so their contents cannot leak into this one.
func (s *PinStore) Reconcile(ctx context.Context) error {
	err := os.MkdirAll(s.reg.ProgramRoot(), 0o700)
	if err != nil {
		return xerrors.Errorf("create pin root %q: %w", s.reg.ProgramRoot(), err)
	}

	var merr error
	for _, role := range mapRoles {
		path := s.reg.Path(role)
		err := os.Remove(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			merr = multierror.Append(merr, xerrors.Errorf("unpin stale map %q: %w", path, err))
			continue
		}
		s.log.Warn(ctx, "unpinned stale map", slog.F("path", path))
	}

	return merr
}

// RequireAll verifies that every role has a pin present. All missing paths
// are reported, not just the first.
func (s *PinStore) RequireAll(ctx context.Context) error {
	var merr error
	for _, role := range mapRoles {
		path := s.reg.Path(role)
		_, err := os.Stat(path)
		if err != nil {
			merr = multierror.Append(merr, xerrors.Errorf("missing pinned map %q: %w", path, err))
			continue
		}
		s.log.Debug(ctx, "pin present", slog.F("path", path))
	}

	return merr
}
