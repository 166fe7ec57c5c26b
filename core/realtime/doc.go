// Package realtime wires the connection registry, resource governor,
// broadcast broker, rate limiter and webhook delivery engine into a single
// Core with one publish entry point.
//
// A published event fans out to realtime subscribers through the broker and
// to matching webhook destinations through the delivery engine. Under
// critical memory pressure the publish path sheds events instead of queuing.
//
// Basic usage:
//
//	var cfg realtime.Config
//	config.MustLoad(&cfg)
//
//	core := realtime.New(cfg, realtime.WithSender(hub))
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(core.Run(ctx))
//
//	core.Publish(ctx, broadcast.NewEvent("component.created", "catalog", payload))
//
// The transport (core/ws in this repo) implements broadcast.Sender and calls
// back into the Core for registration, touch and room membership.
package realtime
