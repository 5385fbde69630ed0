// Package migrations embeds the SQL schema of every storage backend.
package migrations

import "embed"

// FS holds postgres/*.sql for the server and sqlite/*.sql for the offline store.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
