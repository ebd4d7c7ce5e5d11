// Package notifier delivers stream alerts.
//
// An Alert always goes to the owner's Telegram chat and is then fanned out
// to every endpoint URL the owner saved. Endpoint delivery is independent:
// one failing URL never blocks or fails the others, and nothing is retried.
//
// # Backends
//
// Endpoint URLs are sent either in-process through shoutrrr (discord://,
// slack://, telegram://, ntfy:// ...) or by POSTing to an Apprise API
// server, selected by notifier.backend.
//
// # Service
//
// Service puts a bounded queue, a worker pool and a token bucket in front of
// the Dispatcher. Outcomes are published on the event bus and counted in
// metrics.
package notifier
