/*
Package client implements the connection manager: a long-lived logical
connection to an eventwire hub over an unreliable WebSocket transport.

The manager reconnects with exponential backoff, keeps the connection alive
with application-level heartbeats, re-asserts topic subscriptions after every
reconnect and queues outbound messages while the transport is down.

Example:

	manager, err := client.NewManager().
		WithURL("ws://localhost:8080/ws").
		WithLogger(logger).
		Build()
	if err != nil {
		return err
	}
	defer manager.Destroy()

	manager.On(protocol.TypeEvent, func(env protocol.Envelope) error {
		fmt.Println(env.Topic, string(env.Payload))
		return nil
	})
	manager.Subscribe("price.BTCUSD")

Received frames are dispatched to listeners registered per message type, in
registration order. Listener errors and panics are logged and never stop the
remaining listeners.
*/
package client
