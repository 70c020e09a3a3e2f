// Package storage provides Store implementations for persisted cells: an
// in-memory medium with per-context change notification, and a directory
// backed store that watches for changes made by other processes.
package storage
