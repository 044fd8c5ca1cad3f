package radio

import "context"

// AmbientMode tells which background source the engine plays while the
// queue is empty.
type AmbientMode int

const (
	AmbientStream AmbientMode = iota
	AmbientLocal
)

// Engine plays one locator at a time and reports when it is done with it.
type Engine interface {
	Play(ctx context.Context, locator, label string) error
	PlayFallback(ctx context.Context) error
	// Scratch abandons the current track; the engine then reports it as
	// finished through the OnFinished callback.
	Scratch() error
	// Position is the normalized position of the current track, 0 when
	// nothing meaningful is playing. Safe to call at any time.
	Position() float64
	Ambient() AmbientMode
	// OnFinished registers the callback fired, from the engine's own
	// goroutine, whenever a track ends or fails.
	OnFinished(func())
	Release() error
}

// Broadcaster delivers a message to every connected observer. Delivery is
// best effort and must never block the caller for long.
type Broadcaster interface {
	MessageClients(msg any)
}
