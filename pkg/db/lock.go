package db

import "gorm.io/gorm"

// ClaimSuffix returns the row-claim clause for batch workers. SQLite has no
// row locks; its single-writer model makes the clause unnecessary there.
func ClaimSuffix(conn *gorm.DB) string {
	if conn == nil || conn.Dialector == nil {
		return ""
	}
	if conn.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE SKIP LOCKED"
}

// LockSuffix returns a plain row-lock clause, empty on SQLite.
func LockSuffix(conn *gorm.DB) string {
	if conn == nil || conn.Dialector == nil {
		return ""
	}
	if conn.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}
