// Package mqtt connects the resource database to an MQTT broker.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// # Topics
//
// Resource paths map onto topic levels below a configurable root:
//
//	{root}/resources/{path}/value      retained JSON value of a resource
//	{root}/resources/{path}/structure  sub-resource added/deleted events
//	{root}/set/{path}                  inbound value writes
//	{root}/system/status               online/offline status and LWT
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := client.Topics().ResourceValue("kitchen/temperature")
//	err = client.PublishRetained(topic, []byte(`21.5`))
package mqtt
