package zbdb

import (
	"fmt"
	"sort"
	"strings"

	"github.com/strawhat5/zeebe/internal/storage"
)

// ColumnFamily identifies one namespace of the partition state.
// The set is closed: every value is opened as an engine family at startup.
type ColumnFamily int

const (
	CFDefault ColumnFamily = iota
	CFKey
	CFVariables
	CFElementInstance
	CFJobs
	CFTimers
	CFMessages
	CFIncidents

	numColumnFamilies = iota
)

var columnFamilyNames = [numColumnFamilies]string{
	CFDefault:         "DEFAULT",
	CFKey:             "KEY",
	CFVariables:       "VARIABLES",
	CFElementInstance: "ELEMENT_INSTANCE",
	CFJobs:            "JOBS",
	CFTimers:          "TIMERS",
	CFMessages:        "MESSAGES",
	CFIncidents:       "INCIDENTS",
}

func (cf ColumnFamily) String() string {
	if cf < 0 || cf >= numColumnFamilies {
		return fmt.Sprintf("ColumnFamily(%d)", int(cf))
	}
	return columnFamilyNames[cf]
}

// AllColumnFamilies returns every column family in declaration order.
func AllColumnFamilies() []ColumnFamily {
	out := make([]ColumnFamily, numColumnFamilies)
	for i := range out {
		out[i] = ColumnFamily(i)
	}
	return out
}

// ColumnFamilyNames returns the engine family names to open, in declaration order.
func ColumnFamilyNames() []string {
	return append([]string(nil), columnFamilyNames[:]...)
}

// ParseColumnFamily resolves a name case-insensitively.
func ParseColumnFamily(name string) (ColumnFamily, bool) {
	for i, n := range columnFamilyNames {
		if strings.EqualFold(n, name) {
			return ColumnFamily(i), true
		}
	}
	return 0, false
}

// registry resolves column families to engine handles. It is built once at
// open time and never changes.
type registry struct {
	handles  [numColumnFamilies]storage.Handle
	byHandle map[storage.Handle]ColumnFamily
}

func newRegistry(families []storage.Family) (*registry, error) {
	r := &registry{byHandle: make(map[storage.Handle]ColumnFamily, len(families))}

	var seen [numColumnFamilies]bool
	var unexpected []string
	for _, f := range families {
		cf, ok := ParseColumnFamily(f.Name)
		if !ok || seen[cf] {
			unexpected = append(unexpected, f.Name)
			continue
		}
		seen[cf] = true
		r.handles[cf] = f.Handle
		r.byHandle[f.Handle] = cf
	}

	var missing []string
	for cf, ok := range seen {
		if !ok {
			missing = append(missing, ColumnFamily(cf).String())
		}
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		sort.Strings(unexpected)
		return nil, fmt.Errorf("%w: missing %v, unexpected %v", ErrColumnFamilyMismatch, missing, unexpected)
	}
	return r, nil
}

// handle panics on a column family outside the closed set: that is a programming error.
func (r *registry) handle(cf ColumnFamily) storage.Handle {
	if cf < 0 || cf >= numColumnFamilies {
		panic(fmt.Sprintf("zbdb: unknown column family %d", int(cf)))
	}
	return r.handles[cf]
}

func (r *registry) columnFamily(h storage.Handle) (ColumnFamily, bool) {
	cf, ok := r.byHandle[h]
	return cf, ok
}
