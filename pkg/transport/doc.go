// Package transport defines the publish/subscribe contract consumed by the
// collaboration engine and an in-process implementation of it.
//
// A [Channel] is one client's connection to a broker. Clients send to
// destinations (/app/projects/{id}/update) and the broker delivers to the
// matching topic (/topic/projects/{id}/update); see [Destination], [Topic]
// and [TopicFor].
//
// Payloads are opaque key/value maps. Implementations move them as JSON so a
// handler always sees the same shapes no matter which transport delivered
// the message: numbers arrive as float64, arrays as []any.
//
// Implementations:
//   - [Hub]: in-process broker, used by tests, single-binary mode and as the
//     relay server's backplane
//   - transport/redis: Redis Pub/Sub
//   - transport/ws: websocket client for the relay server
package transport
