//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// driverName selects the cgo driver when the accelerated vector build is
// requested. sqlite-vec registers itself as an auto-loadable extension so
// vec0 virtual tables and vec_distance_cosine are available to every
// connection.
const driverName = "sqlite3"

func init() {
	vec.Auto()
}
