// Package core holds the payment-event pipeline domain: provider events,
// ledger records, subscriber state, the contracts every store and collaborator
// implements, configuration and the go-errors taxonomy.
package core
