// Package queryir is the backend-neutral query representation used to read
// command history.
//
// Callers describe what they want (a table, a conjunction of predicates, an
// order and a window) and a backend compiler turns it into executable form.
// The only backend today is querysql, which emits parameterized SQLite.
//
//	history.Filter → FromFilter → Select → querysql.Compile → SQL, params
//
// # Sealed Interfaces
//
// Query and Predicate use the marker method pattern: only types in this
// package implement them, so backends can switch exhaustively:
//
//	switch p := pred.(type) {
//	case Equals:
//	case In:
//	case PathPrefix:
//	case Range:
//	case And:
//	}
//
// # Values
//
// Predicate values are plain Go scalars: string, bool, int, int64, float64
// and time.Time. NULL comparisons are not expressible; an absent column
// value is stored as its zero value instead.
//
// # Identifiers
//
// Table and column names are interpolated into the compiled query, so
// Validate restricts them to [A-Za-z_][A-Za-z0-9_]*. Values are always
// passed as parameters.
package queryir
