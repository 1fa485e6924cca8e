// Package api is the gateway in front of the router. A websocket client sends
// one request naming its wallet and question; the gateway submits the first
// hop on chain, streams the progress events of that wallet's session and
// closes with a single response or error frame. Read-only REST endpoints
// expose the agent directory, active sessions, hop history, health and
// metrics for dashboards.
package api
