// Package stores provides the persistent state store for ec2-manager.
// It includes a SQLite implementation with WAL mode, embedded migrations,
// and the atomic operations the reconciliation engine relies on: strict
// inserts that surface duplicate keys, timestamp-guarded conditional
// updates, and transactional move of instances into termination records.
package stores
