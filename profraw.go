package bpfcov

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

const (
	// profrawMagic spells the profile file signature. Written little-endian
	// it produces the byte sequence 81 72 66 6f 72 70 6c ff.
	profrawMagic uint64 = 0xff6c70726f667281
	// funcRecordSize is the width of one function record in the data
	// section: five 64-bit fields followed by two 32-bit fields.
	funcRecordSize = 48
	// counterSize is the width of one execution counter.
	counterSize = 8
	// versionOffset locates the 32-bit version field inside the coverage
	// mapping header value.
	versionOffset = 12
	// valueKindLast tags the highest profiling value kind the format knows.
	valueKindLast = 1
)

// profrawHeader mirrors the fixed 80-byte on-disk header. Field order and
// widths are load-bearing. The two adjacent 32-bit names sizes share a
// single 8-byte slot in the format.
type profrawHeader struct {
	Magic                 uint64
	Version               uint64
	DataSize              uint64
	PaddingBeforeCounters uint64
	CountersSize          uint64
	PaddingAfterCounters  uint64
	NamesSize             [2]uint32
	CountersDelta         uint64
	NamesDelta            uint64
	ValueKindLast         uint64
}

// GlobalMap is a read handle on one pinned coverage map. ValueSize reports
// declared metadata without touching contents, SoleValue fetches the single
// stored element.
type GlobalMap interface {
	io.Closer

	ValueSize() uint32
	SoleValue() ([]byte, error)
}

// MapOpener resolves a role to an open map handle.
type MapOpener func(role MapRole) (GlobalMap, error)

// CoverageProfile holds everything extracted from the four pinned maps,
// ready to serialize. Version is the raw 0-indexed value stored in the
// coverage mapping header, serialization adds one.
type CoverageProfile struct {
	Version   uint32
	Data      []byte
	Counters  []byte
	NamesSize uint32
}

// CollectProfile drains the four pinned maps into a CoverageProfile. Every
// opened handle is released before returning. Errors name the map that
// failed.
func CollectProfile(open MapOpener) (*CoverageProfile, error) {
	counters, err := soleValue(open, RoleCounters)
	if err != nil {
		return nil, err
	}
	data, err := soleValue(open, RoleData)
	if err != nil {
		return nil, err
	}

	// The names map contributes only its declared value size, its contents
	// are never read.
	namesMap, err := open(RoleNames)
	if err != nil {
		return nil, err
	}
	namesSize := namesMap.ValueSize()
	err = namesMap.Close()
	if err != nil {
		return nil, xerrors.Errorf("close %s map: %w", RoleNames, err)
	}

	header, err := soleValue(open, RoleHeader)
	if err != nil {
		return nil, err
	}
	if len(header) < versionOffset+4 {
		return nil, xerrors.Errorf("coverage mapping header value is %d bytes, want at least %d", len(header), versionOffset+4)
	}

	return &CoverageProfile{
		Version:   nativeEndian.Uint32(header[versionOffset : versionOffset+4]),
		Data:      data,
		Counters:  counters,
		NamesSize: namesSize,
	}, nil
}

func soleValue(open MapOpener, role MapRole) ([]byte, error) {
	m, err := open(role)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	value, err := m.SoleValue()
	if err != nil {
		return nil, xerrors.Errorf("sole value of %s map: %w", role, err)
	}

	return value, nil
}

var _ io.WriterTo = &CoverageProfile{}

// WriteTo serializes the profile: the fixed header first, then the data and
// counters sections verbatim. The names section is sized in the header but
// its payload is not emitted.
func (p *CoverageProfile) WriteTo(w io.Writer) (int64, error) {
	hdr := profrawHeader{
		Magic: profrawMagic,
		// The stored version is 0-indexed, the format's is not.
		Version:       uint64(p.Version) + 1,
		DataSize:      uint64(len(p.Data) / funcRecordSize),
		CountersSize:  uint64(len(p.Counters) / counterSize),
		NamesSize:     [2]uint32{p.NamesSize, p.NamesSize},
		ValueKindLast: valueKindLast,
	}

	var n int64
	err := binary.Write(w, binary.LittleEndian, hdr)
	if err != nil {
		return n, xerrors.Errorf("write profile header: %w", err)
	}
	n += int64(binary.Size(hdr))

	c, err := w.Write(p.Data)
	n += int64(c)
	if err != nil {
		return n, xerrors.Errorf("write data section: %w", err)
	}

	c, err = w.Write(p.Counters)
	n += int64(c)
	if err != nil {
		return n, xerrors.Errorf("write counters section: %w", err)
	}

	return n, nil
}
