// Package persist provides the storage backends behind store.Port.
//
// Backends:
//   - FileBackend: one JSON document, replaced atomically via a temp file
//   - SQLiteBackend: embedded SQLite (ncruces/go-sqlite3), one row per
//     record, the whole state replaced in a single transaction
//   - MemoryBackend: process memory only, for tests and --backend memory
//   - WriterPort: write-only port onto an io.Writer, used for downloadable
//     artifacts and export files
//
// Every backend writes the whole state in one step, so a crash never leaves
// two collections persisted from different mutations.
//
// The codec (Encode, Decode) converts a state to and from the JSON, YAML and
// JSON Lines interchange formats used by export and import.
package persist
