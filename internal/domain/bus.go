package domain

import "fluxbus/internal/stream"

// Bus is the surface exposed to everything built on top of the message bus.
// Topics are dot-segmented; an invalid topic is reported synchronously as an
// error, every other failure arrives as an error notification on the
// returned stream.
type Bus interface {
	// Publish registers s under topic. The returned stream confirms the
	// registration: it emits the topic and completes, or errors.
	Publish(topic string, s stream.Stream) (stream.Stream, error)

	// Observe streams every Notification published at or below topic.
	Observe(topic string) (stream.Stream, error)

	// Uplink mirrors the messages of a remote socket under topic + ".socket".
	Uplink(topic, url string) (stream.Stream, error)
}
