//go:build cgo

package buffer

import _ "github.com/marcboeker/go-duckdb"
