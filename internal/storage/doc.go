// Package storage keeps the order history and the audit trail of pool
// changes. It is write-mostly: nothing here is replayed into the
// dispatcher on startup.
package storage
