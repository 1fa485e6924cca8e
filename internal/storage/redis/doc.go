// Package redis holds the Redis-backed stores of the router, currently the
// persisted block cursor used to resume polling after a restart.
package redis
