// Package inbound receives provider webhooks over HTTP and exposes the
// operator ledger API.
//
// Deliveries are verified against the provider signature before the raw body
// is pushed onto the event queue. Nothing is processed on the request path.
package inbound
