// Package broadcast implements room-based publish/subscribe fan-out for live
// connections, with per-room filters and bounded backlogs for rooms that
// currently have no subscribers.
//
// Rooms are ephemeral and derived: they come into existence the moment a
// connection subscribes or an event targets them, and they are eligible for
// cleanup as soon as they hold neither members nor backlog. The target-room
// set of an event is computed deterministically from its attributes: every
// event lands in "global", "event:<type>" and "source:<source>"; events
// carrying an entity, namespace or team additionally land in "entity:<id>",
// "namespace:<ns>" and "team:<team>".
//
// Delivery within a room preserves publish order for both live fan-out and
// backlog replay; no ordering is guaranteed across rooms.
//
//	broker := broadcast.NewBroker(sender,
//		broadcast.WithBacklogSink(registry),
//		broadcast.WithRoomBacklogCap(100),
//	)
//
//	replayed := broker.Subscribe(connID, "namespace:payments", nil)
//	err := broker.Publish(evt)
//
// The Sender is supplied by the transport layer; a send failure for an
// individual connection falls back to that connection's bounded backlog via
// the optional BacklogSink, so one slow client never blocks fan-out.
package broadcast
