// Package sqldb opens the relational backends (MySQL or embedded SQLite)
// shared by the execution, approval and recurring stores, and applies the
// embedded schema migrations.
package sqldb
