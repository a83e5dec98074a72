package sql

import _ "embed"

//go:embed schema.sql
var schema string

// SchemaTemplate returns the DDL shared by the sqlite and postgres stores.
// Every statement is idempotent so it can be applied each time a store is opened.
func SchemaTemplate() string {
	return schema
}
