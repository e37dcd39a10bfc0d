package trust

// schemaVersion is the current on-disk schema version for durable backends
// (Sqlite, JSONFile). Per spec.md §6, migrations are forward-only: a store
// opened against a future version it doesn't understand refuses to start
// rather than silently truncating data.
const schemaVersion = 1

// schemaDescription documents what each version introduced, surfaced in the
// Sqlite backend's schema_info table and the JSONFile backend's
// schema_version marker for operators inspecting a store on disk.
var schemaDescription = map[int]string{
	1: "initial schema: scores keyed by agent, append-only updates indexed by (agent, timestamp)",
}
