// Package webhooks verifies and dispatches inbound provider deliveries.
//
// A delivery moves Received -> SignatureChecked -> Rejected | Routed, and a
// routed delivery ends Applied or Failed. Signatures are checked against the
// raw body before anything parses it. Delivery ids are claimed in a replay
// ledger so redeliveries are acknowledged without re-applying, and a failed
// handler releases its claim so the provider retry is processed.
package webhooks
