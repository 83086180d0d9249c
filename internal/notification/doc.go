// Package notification holds the client-side notification model: the
// Notification record, the capped newest-first Log mirrored to a key-value
// store, the listener Registry used for fan-out, and the error taxonomy shared
// by the channel and its transports.
package notification
