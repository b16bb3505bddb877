// Package dbmigrations exposes embedded SQL migrations for Weaver binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Weaver binaries.
//
//go:embed *.sql
var Files embed.FS
