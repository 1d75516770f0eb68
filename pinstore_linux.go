//go:build linux
// +build linux

package bpfcov

import (
	"context"

	"cdr.dev/slog"
	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// IsBPFFS reports whether the filesystem mounted at path is a BPF
// filesystem. Pinning works nowhere else.
func IsBPFFS(path string) (bool, error) {
	var st unix.Statfs_t
	err := unix.Statfs(path, &st)
	if err != nil {
		return false, xerrors.Errorf("statfs %q: %w", path, err)
	}

	// f_type is int32 on 32-bit architectures, which leaves the bpffs magic
	// negative after sign extension. Compare through uint32.
	return uint32(st.Type) == uint32(unix.BPF_FS_MAGIC), nil
}

// PinIfCoverageMap adopts a duplicated map descriptor and, if the map's
// kernel-assigned name carries a recognized coverage suffix, pins the map at
// that role's path. Descriptors that don't resolve to a named coverage map
// are closed and ignored, since the traced program is free to create any
// number of unrelated maps. The descriptor is consumed in all cases.
func (s *PinStore) PinIfCoverageMap(ctx context.Context, fd int) error {
	m, err := ebpf.NewMapFromFD(fd)
	if err != nil {
		// Not every descriptor the syscall gate lets through is a usable
		// map.
		s.log.Debug(ctx, "ignoring fd", slog.F("fd", fd), slog.Error(err))
		return nil
	}
	defer m.Close()

	info, err := m.Info()
	if err != nil {
		s.log.Debug(ctx, "ignoring map without readable info", slog.F("fd", fd), slog.Error(err))
		return nil
	}
	if info.Name == "" {
		return nil
	}
	s.log.Info(ctx, "got info about map", slog.F("map", info.Name))

	role, ok := RoleForMapName(info.Name)
	if !ok {
		s.log.Debug(ctx, "not a coverage map", slog.F("map", info.Name))
		return nil
	}

	path := s.reg.Path(role)
	s.log.Warn(ctx, "pinning map", slog.F("map", info.Name), slog.F("path", path))
	err = m.Pin(path)
	if err != nil {
		return xerrors.Errorf("pin map %q at %q: %w", info.Name, path, err)
	}

	return nil
}

// OpenPinned reopens the pinned map for the given role and captures its
// metadata. The caller must close the returned handle.
func (s *PinStore) OpenPinned(role MapRole) (GlobalMap, error) {
	path := s.reg.Path(role)
	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return nil, xerrors.Errorf("load pinned map %q: %w", path, err)
	}

	info, err := m.Info()
	if err != nil {
		_ = m.Close()
		return nil, xerrors.Errorf("info for pinned map %q: %w", path, err)
	}

	return &pinnedMap{
		m:    m,
		info: info,
	}, nil
}

// pinnedMap is a handle on one reopened pin: the map descriptor plus the
// metadata captured when it was opened.
type pinnedMap struct {
	m    *ebpf.Map
	info *ebpf.MapInfo
}

var _ GlobalMap = &pinnedMap{}

func (p *pinnedMap) ValueSize() uint32 {
	return p.info.ValueSize
}

// SoleValue returns the single value the map holds. Coverage maps are
// single-entry arrays, anything with more entries is a layout the profile
// generator cannot trust.
func (p *pinnedMap) SoleValue() ([]byte, error) {
	if p.info.MaxEntries > 1 {
		return nil, xerrors.Errorf("map %q holds %d entries, want exactly 1", p.info.Name, p.info.MaxEntries)
	}

	key, err := p.m.NextKeyBytes(nil)
	if err != nil {
		return nil, xerrors.Errorf("first key of map %q: %w", p.info.Name, err)
	}
	if key == nil {
		return nil, xerrors.Errorf("map %q has no entries", p.info.Name)
	}

	value, err := p.m.LookupBytes(key)
	if err != nil {
		return nil, xerrors.Errorf("look up sole value of map %q: %w", p.info.Name, err)
	}

	return value, nil
}

func (p *pinnedMap) Close() error {
	return p.m.Close()
}
