/*
Package health provides small, composable liveness checks used outside
the swarm driver's own event loop: the Relay Manager uses a TCPChecker to
probe whether a relay server backing a reservation is still reachable.

Checkers implement a single interface:

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

Status tracks consecutive failures/successes with hysteresis (Config.Retries
failures before a target is marked unhealthy), matching the driver's own
requirement that a single transient probe failure must not immediately drop
a relay reservation that is otherwise healthy.
*/
package health
