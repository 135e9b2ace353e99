package audio

// Drain discards values from ch until it is closed, so the producing
// goroutine of an abandoned stream can exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
