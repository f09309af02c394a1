package chat

// broadcast wakes every waiter at once by closing a channel and replacing it. Callers must hold the lock guarding
// the state the broadcast announces.
type broadcast struct {
	ch chan struct{}
}

func newBroadcast() broadcast {
	return broadcast{ch: make(chan struct{})}
}

func (b *broadcast) notify() {
	close(b.ch)
	b.ch = make(chan struct{})
}

func (b *broadcast) wait() <-chan struct{} {
	return b.ch
}
