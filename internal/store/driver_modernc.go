//go:build !(sqlite_vec && cgo)

package store

import (
	_ "modernc.org/sqlite"
)

// driverName selects the pure-Go driver for the default build. Vector search
// falls back to a brute-force cosine scan; the vec0 virtual table is only
// available under the sqlite_vec build tag.
const driverName = "sqlite"
