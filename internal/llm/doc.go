// Package llm defines the provider-neutral chat request used by the routing
// oracle: system and user messages plus function tools, and a response that
// carries either free text or tool calls.
package llm
