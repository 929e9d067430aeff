// Package harvest defines the domain types, contracts, and error taxonomy
// shared by the quota ledger, invoker, strategies, and persistence adapters
// of the postharvest orchestrator.
package harvest
