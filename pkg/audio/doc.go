// Package audio defines the sample containers that flow through the relay and
// the conversions between them.
//
// Outbound audio is captured as native-rate [Block] values, turned into
// fixed-size [AudioFrame] values by the framer, and handed to the transport.
// Inbound synthesised audio arrives as [PlaybackChunk] values and is decoded
// to float samples for the playback device.
//
// Sub-packages provide the framer, the lock-free handoff ring, the playback
// scheduler, WAV-backed endpoints and test doubles.
package audio
