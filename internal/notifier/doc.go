// Package notifier delivers short status messages to owners through the bot.
//
// Messages go through a bounded queue drained by a small worker pool. Sends
// are rate limited, retried with jittered backoff, and identical texts to the
// same owner are suppressed for a dedup window. The window can be persisted
// in storage so a restart does not repeat the last alerts.
//
// Notify never blocks the caller for longer than an enqueue; delivery
// failures are logged and published as notifier.failed events.
package notifier
