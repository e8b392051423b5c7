//go:build cgo

package sqlitedriver

import (
	_ "github.com/mutecomm/go-sqlcipher/v4" // registers "sqlite3" driver with encryption
)

// EncryptionSupported reports whether the registered driver honors
// PRAGMA key (SQLCipher). True for the go-sqlcipher build.
const EncryptionSupported = true
