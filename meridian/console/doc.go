// Package console defines the append-only console records of the platform:
// the command audit trail and the console output history. Entries are
// validated at construction and immutable afterwards; the store interfaces
// run on the caller's transaction so an entry and its outbox message commit
// as one unit.
package console
