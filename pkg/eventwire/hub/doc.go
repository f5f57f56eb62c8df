/*
Package hub implements the server side of eventwire: a WebSocket broadcast
hub with a registry of connected clients and their topic subscriptions.

Clients speak a small JSON protocol (see package protocol). The hub answers
heartbeats, tracks subscriptions, echoes unknown messages and broadcasts
events, either published by application code through Hub.Publish or
produced periodically by a generator.Generator. Clients that stop sending
heartbeats are evicted by a periodic sweep.

Example:

	h, err := hub.NewHubConfig().
		WithLogger(logger).
		WithGenerator(generator.NewPriceTicker(nil)).
		Build()
	if err != nil {
		return err
	}
	defer h.Shutdown(context.Background())

	return h.ListenAndServe(":8080")
*/
package hub
