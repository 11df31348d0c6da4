// Package notifier tells chat users when their orders are done.
//
// The Telegram router calls Watch right after placing an order. When the
// dispatcher publishes order.completed for a watched id, the notifier
// queues an "order ready" message to the chat that placed it.
//
// # Delivery
//
// Messages go through a bounded queue and a single sender goroutine,
// throttled by a token bucket. A full queue drops the message (counted,
// and published as notifier.dropped); a failed send is retried with
// jittered exponential backoff before it is given up as notifier.failed.
//
// Watches are kept in memory only and expire after WatchTTL.
package notifier
