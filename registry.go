package bpfcov

import (
	"path/filepath"
	"strings"
)

// MapRole identifies one of the four maps an instrumented program creates to
// hold its coverage state.
type MapRole int

const (
	// RoleCounters is the array of per-region execution counters. Its name
	// suffix and pin filename are "profc".
	RoleCounters MapRole = iota
	// RoleData is the array of function records. Its name suffix and pin
	// filename are "profd".
	RoleData
	// RoleNames is the blob of compressed function names. Its name suffix
	// and pin filename are "profn".
	RoleNames
	// RoleHeader is the coverage mapping header. Its name suffix and pin
	// filename are "covmap".
	RoleHeader
)

// mapRoles lists every role in pin order.
var mapRoles = [...]MapRole{RoleCounters, RoleData, RoleNames, RoleHeader}

// String returns the role's map name suffix, which doubles as its pin
// filename under the program root.
func (r MapRole) String() string {
	switch r {
	case RoleCounters:
		return "profc"
	case RoleData:
		return "profd"
	case RoleNames:
		return "profn"
	case RoleHeader:
		return "covmap"
	}

	return "unknown"
}

// RoleForSuffix resolves a map name suffix to its role. Only the four exact
// suffixes resolve, anything else reports false.
func RoleForSuffix(suffix string) (MapRole, bool) {
	for _, role := range mapRoles {
		if suffix == role.String() {
			return role, true
		}
	}

	return 0, false
}

// RoleForMapName resolves a kernel map name of the form "<prefix>.<suffix>"
// to the role named by its suffix. Names without a separator carry no role.
func RoleForMapName(name string) (MapRole, bool) {
	parts := strings.SplitN(name, ".", 3)
	if len(parts) < 2 {
		return 0, false
	}

	return RoleForSuffix(parts[1])
}

// SanitizeProgramName rewrites a program name so the BPF filesystem accepts
// it as a directory name. Instrumented programs routinely have dots in their
// names (e.g. "raw.bcov.out").
func SanitizeProgramName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

// Registry resolves each map role to its pin path under a single program's
// directory in the BPF filesystem. All paths are computed up front so
// lookups cannot fail.
type Registry struct {
	programRoot string
	paths       map[MapRole]string
}

// NewRegistry computes the pin layout for the given target program:
//
//	<bpffs>/cov/<sanitized program basename>/{profc,profd,profn,covmap}
func NewRegistry(bpffs, program string) *Registry {
	root := filepath.Join(bpffs, "cov", SanitizeProgramName(filepath.Base(program)))

	paths := make(map[MapRole]string, len(mapRoles))
	for _, role := range mapRoles {
		paths[role] = filepath.Join(root, role.String())
	}

	return &Registry{
		programRoot: root,
		paths:       paths,
	}
}

// ProgramRoot returns the directory that holds this program's pins.
func (r *Registry) ProgramRoot() string {
	return r.programRoot
}

// Path returns the pin path for the given role.
func (r *Registry) Path(role MapRole) string {
	return r.paths[role]
}
