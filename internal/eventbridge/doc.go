// Package eventbridge mirrors resource store events onto MQTT.
//
// A Bridge registers recursive value and structure listeners on each
// configured path ("*" for every top-level resource) and publishes:
//
//   - value changes as retained JSON on {root}/resources/{path}/value
//   - structure events on {root}/resources/{path}/structure
//   - an empty retained message clearing the value topic of deleted nodes
//
// With AcceptWrites set it also subscribes to {root}/set/# and applies
// JSON values published there to the addressed resource.
package eventbridge
