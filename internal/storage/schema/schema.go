// Package schema embeds the server's embedded-SQL DDL files, loaded
// verbatim at first boot rather than through a migration framework
// (schema migrations are an explicit spec Non-goal).
package schema

import _ "embed"

//go:embed init.sql
var AuthDBInit string

//go:embed gamedb_init.sql
var GameDBInit string
