/*
Package events provides an in-memory event broker for the swarm
driver's own subscribers: a non-blocking, fan-out pub/sub bus used to
observe what the driver does without coupling those observers to its
internal locking.

Event is published for every state change the driver's own invariants
care about: a record stored or removed from the local store, a
replication fetch succeeding or failing, a peer connecting or
disconnecting, a routing table update, a relay reservation gained or
lost, an external address confirmed, or a pending request timing out
(see the EventType constants in events.go). There is no topic
filtering — every subscriber sees every event and is expected to
switch on Type.

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for event := range sub {
		if event.Type == events.EventReplicationFailed {
			...
		}
	}

Publish does not wait for subscribers: the broker's own internal
channel is buffered (100 events), and broadcast drops the event for any
subscriber whose buffer is already full rather than waiting for it to
drain. Publish blocks only while that internal buffer is full, until the
broker's run loop takes an event or the broker is stopped. Delivery
is best-effort, which is why nothing load-bearing in this codebase
relies on an event actually reaching a subscriber — the admin API's
status endpoint and the metrics package both read driver state
directly rather than through the event stream.
*/
package events
