// Package web3 defines the ledger abstraction used by the router and the
// gateway: request events, relay submissions and multi-chain definitions.
// Concrete EVM support lives in the ethereum subpackage.
package web3
