package schema

// MergePolicy selects how a table reconciles a record that changed both
// locally and remotely.
type MergePolicy int

const (
	// MergeLastWriteWins keeps whichever whole record carries the newer
	// last_modified timestamp. The default for descriptive tables.
	MergeLastWriteWins MergePolicy = iota

	// MergeDelta re-applies the local numeric delta on top of the new
	// remote base value instead of overwriting. Used for quantity and
	// ledger tables where blind overwrite silently loses data.
	MergeDelta
)

// String returns a human-readable representation of the policy.
func (p MergePolicy) String() string {
	switch p {
	case MergeLastWriteWins:
		return "last-write-wins"
	case MergeDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// Table describes one synchronized table.
type Table struct {
	// Name is the table name, identical locally and remotely.
	Name string

	// Policy is the conflict policy applied when a record is dirty
	// locally and newer remotely.
	Policy MergePolicy

	// DeltaFields lists the numeric fields reconciled by delta when
	// Policy is MergeDelta. Ignored otherwise.
	DeltaFields []string
}

// tables is the registry of synchronized tables for the optical retail
// system. Order matters only for deterministic iteration.
var tables = []Table{
	{Name: "stores"},
	{Name: "staff"},
	{Name: "customers"},
	{Name: "products"},
	{Name: "stock", Policy: MergeDelta, DeltaFields: []string{"quantity"}},
	{Name: "orders"},
	{Name: "invoices"},
	{Name: "cash", Policy: MergeDelta, DeltaFields: []string{"amount"}},
	{Name: "goals"},
}

// Tables returns the full table registry.
func Tables() []Table {
	out := make([]Table, len(tables))
	copy(out, tables)
	return out
}

// Lookup finds a table by name.
func Lookup(name string) (Table, bool) {
	for _, t := range tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// TableNames returns the names of all registered tables.
func TableNames() []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	return names
}
