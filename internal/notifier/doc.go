// Package notifier delivers short operator messages to a Telegram chat.
//
// Two things are sent: a summary when a run finishes (subject to the
// NotifyOn policy) and high-severity log lines forwarded by logx's remote
// sink. Both go through one bounded queue drained by a single worker that
// is rate limited and retries with jittered backoff.
//
// # Transport
//
// Delivery is delegated to a Transport. The production transport wraps a
// telebot bot in offline mode, so no update polling happens.
package notifier
