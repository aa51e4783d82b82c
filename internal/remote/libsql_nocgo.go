//go:build !cgo

package remote

// The libsql driver links a native library; without cgo the turso dialect
// is unavailable.
const libsqlAvailable = false
