//go:build cgo

package schema

import _ "github.com/marcboeker/go-duckdb"
