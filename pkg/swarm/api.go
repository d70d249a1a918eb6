package swarm

import (
	"context"
	"fmt"

	"github.com/cuemby/swarmnode/pkg/types"
)

// Put stores record locally and triggers fresh-write replication,
// running on the driver's own goroutine so it serialises with every
// other local/network command (spec.md §4.1, §4.7(b)).
func (d *Driver) Put(ctx context.Context, record types.Record) error {
	errCh := make(chan error, 1)
	queued := d.enqueueLocal(ctx, "put", func(cmdCtx context.Context) {
		err := d.store.Put(record)
		errCh <- err
		if err == nil {
			d.engine.NotifyPut(cmdCtx, record.Key, record.DataType, record.ValidationType, nil)
		}
	})
	if !queued {
		return fmt.Errorf("swarm: local command queue full, put dropped")
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PutWithPayment is Put for a fresh write accompanied by a proof of
// payment that overrides the default replication-group targeting
// (spec.md §3, §4.7(b)).
func (d *Driver) PutWithPayment(ctx context.Context, record types.Record, payment types.ProofOfPayment) error {
	errCh := make(chan error, 1)
	queued := d.enqueueLocal(ctx, "put", func(cmdCtx context.Context) {
		err := d.store.Put(record)
		errCh <- err
		if err == nil {
			d.engine.NotifyPut(cmdCtx, record.Key, record.DataType, record.ValidationType, &payment)
		}
	})
	if !queued {
		return fmt.Errorf("swarm: local command queue full, put dropped")
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get resolves key, preferring the local store and falling back to a
// network-wide quorum-gated query (spec.md §4.2, §4.7 "Retrieval
// fallback").
func (d *Driver) Get(ctx context.Context, key types.RecordKey, quorum types.Quorum) (*types.Record, error) {
	if record, ok, err := d.store.Get(key); err != nil {
		return nil, err
	} else if ok {
		return record, nil
	}
	return d.FetchFromNetwork(ctx, key, quorum)
}

// Status is the snapshot the admin API's GET /status endpoint renders
// (SPEC_FULL.md §4).
type Status struct {
	Self                  string
	RoutingTableSize      int
	RoutingTableBuckets   int
	RecordsStored         int
	FetcherPending        int
	FetcherInFlight       int
	ConnectedPeers        int
	RelayReservations     int
	ConnectedRelayClients int
	ExternalAddresses     []string
}

// Status returns a point-in-time snapshot of the node's state.
func (d *Driver) Status() Status {
	d.connMu.RLock()
	connected := len(d.conns)
	d.connMu.RUnlock()

	st := Status{
		Self:                d.self.String(),
		RoutingTableSize:    d.table.Size(),
		RoutingTableBuckets: d.table.NonEmptyBuckets(),
		RecordsStored:       d.store.Len(),
		FetcherPending:      d.fetcher.PendingCount(),
		FetcherInFlight:     d.fetcher.InFlightCount(),
		ConnectedPeers:      connected,
		ExternalAddresses:   d.ExternalAddresses(),
	}
	if d.relayMgr != nil {
		st.RelayReservations = d.relayMgr.ActiveReservationCount()
		st.ConnectedRelayClients = len(d.relayMgr.ConnectedRelayClients())
	}
	return st
}

// TriggerReplication requests an out-of-cycle replication pass, run on
// the driver's own goroutine like every other local command.
func (d *Driver) TriggerReplication(ctx context.Context) bool {
	return d.enqueueLocal(ctx, "trigger_replication", func(context.Context) {
		d.engine.TriggerReplication()
	})
}

// TriggerCleanup requests an out-of-cycle irrelevant-record cleanup
// pass.
func (d *Driver) TriggerCleanup(ctx context.Context) bool {
	return d.enqueueLocal(ctx, "trigger_cleanup", func(context.Context) {
		d.engine.TriggerCleanup()
	})
}
