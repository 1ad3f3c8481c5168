package persistence

import "embed"

// sqlSchemas embeds the migration files applied to a fresh or existing
// Quark database. Embedding them at compile time avoids shipping a
// separate migrations directory alongside the binary.
//
//go:embed migrations/*.sql
var sqlSchemas embed.FS
