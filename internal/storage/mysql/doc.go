// Package mysql provides the MySQL-backed agent directory and hop history,
// together with the embedded schema migrations they share. A JSON Lines file
// implementation of the hop history is kept for single-node development.
package mysql
