package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it after abandoning a producer-owned channel (for example the event
// stream of a closed transport) so the producer goroutine can finish.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
