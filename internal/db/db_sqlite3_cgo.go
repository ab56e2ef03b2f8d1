//go:build cgo && sqlite3_cgo

package db

// cgo build uses the mattn driver for native sqlite performance.
import (
	_ "github.com/mattn/go-sqlite3"
)

const driverID = "mattn/go-sqlite3"
const driverName = "sqlite3"
