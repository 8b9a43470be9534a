/*
Package events provides an in-memory event broker for the service's pub/sub
messaging.

The events package implements a lightweight event bus for broadcasting commit
and delivery events to interested subscribers. It supports asynchronous event
delivery with buffered channels, enabling loose coupling between the commit
pipeline, the background workers and any operational listeners.

# Architecture

Publishers never block on slow consumers:

	Publisher → Event Channel (buffer: 100)
	     ↓
	Broadcast Loop
	     ↓
	Subscriber Channels (buffer: 50 each, full buffers are skipped)

Event types cover the lifecycle of a committed batch and its side effects:
batch.committed, stream.appended and outbox.enqueued fire on commit;
delivery.succeeded, delivery.retried and delivery.dlq fire from the delivery
worker; control.activated, control.resumed and agent.frozen fire on
administrative transitions; tick.completed and ledger.applied round out the
background surface.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for event := range sub {
		fmt.Printf("[%s] %s %s\n", event.Type, event.TenantID, event.Message)
	}

Events carry a tenant id when they are tenant-scoped; service-wide events
leave it empty.
*/
package events
