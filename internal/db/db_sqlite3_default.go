//go:build !sqlite3_cgo

package db

// default build uses the pure-Go wasm driver so cross-compiles stay cgo-free.
import (
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const driverID = "ncruces/go-sqlite3"
const driverName = "sqlite3"
