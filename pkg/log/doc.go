/*
Package log provides structured logging for the node built on zerolog:
a global Logger initialized once via Init, and a set of WithX helpers
that derive child loggers carrying a fixed context field so call sites
never repeat it.

WithComponent tags every log line emitted by one of the driver's
sub-components (the admin API, the replication fetcher/engine, the
relay manager, network discovery, the record store, the transport
layer, the swarm driver itself), so logs from a given subsystem can be
filtered by component regardless of which peer emitted them:

	storeLog := log.WithComponent("store")
	storeLog.Warn().Str("key", key.String()).Msg("duplicate put rejected")

WithPeerID and WithKey exist for the two identifiers that recur across
almost every log line in this codebase — a remote peer and a record
key — so call sites log them consistently rather than each picking a
field name.

Init chooses JSON or console output and a minimum level; JSON is meant
for production (one object per line, parseable by log aggregation),
console for local development (zerolog.ConsoleWriter, colorized).
*/
package log
