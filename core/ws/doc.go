// Package ws is the gorilla/websocket transport adapter for the realtime
// core. A Hub upgrades HTTP requests, admits connections through the core's
// registry, serves subscribe/unsubscribe/ping frames on the read side and
// pushes events through a buffered write pump.
//
// The Hub implements broadcast.Sender; a full send buffer fails the send so
// the broker falls back to the connection's bounded backlog, which is flushed
// on the next subscribe.
//
// Wiring order matters because the Core needs the Hub as its sender and the
// Hub needs the Core as its backend:
//
//	hub := ws.NewHub(ws.WithAuthenticate(authFn))
//	core := realtime.New(cfg, realtime.WithSender(hub))
//	hub.Bind(core)
//
//	http.Handle("/ws", hub.Handler())
//
// Client frames are JSON:
//
//	{"action": "subscribe", "room": "team:platform", "filter": {"types": [...]}}
//	{"action": "unsubscribe", "room": "team:platform"}
//	{"action": "ping"}
package ws
