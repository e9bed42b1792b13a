// Package migration applies ordered, snapshot-guarded schema changes to
// the archive database.
//
// Units are registered explicitly at startup; there is no directory
// scanning or dynamic loading. Each unit runs behind its own verified
// snapshot: a failed upgrade restores the database to its pre-unit
// state before the failure is reported, and the attempt is recorded in
// the migration_ledger table either way. Runs over multiple units halt
// at the first failure, leaving everything applied before it in place.
package migration
