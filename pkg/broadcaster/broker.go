package broadcaster

// Broker is a typed fan-out bus. Each domain topic (oracle message changes,
// loan set updates, connection state) gets its own Broker so consumers never
// see untyped payloads.
type Broker[T any] struct {
	name     string
	doneChan chan struct{}
	publish  chan T
	sub      chan chan T
	unsub    chan chan T
}

func NewBroker[T any](name string) *Broker[T] {
	b := &Broker[T]{
		name:     name,
		doneChan: make(chan struct{}),
		publish:  make(chan T, 1),
		sub:      make(chan chan T, 1),
		unsub:    make(chan chan T, 1),
	}
	go b.run()
	return b
}

func (b *Broker[T]) run() {
	subs := make(map[chan T]struct{})
	for {
		select {
		case <-b.doneChan:
			return
		case sub := <-b.sub:
			subs[sub] = struct{}{}
		case unsub := <-b.unsub:
			delete(subs, unsub)
		case msg := <-b.publish:
			for ch := range subs {
				select {
				case ch <- msg:
				default:
					// slow subscriber: hand off without stalling the rest
					go func(ch chan T) {
						select {
						case <-b.doneChan:
						case ch <- msg:
						}
					}(ch)
				}
			}
		}
	}
}

func (b *Broker[T]) Name() string {
	return b.name
}

func (b *Broker[T]) Stop() {
	close(b.doneChan)
}

func (b *Broker[T]) Done() <-chan struct{} {
	return b.doneChan
}

func (b *Broker[T]) Subscribe() chan T {
	msgCh := make(chan T, 1)
	select {
	case b.sub <- msgCh:
	case <-b.doneChan:
	}
	return msgCh
}

func (b *Broker[T]) UnSubscribe(msgChan chan T) {
	select {
	case b.unsub <- msgChan:
	case <-b.doneChan:
	}
}

func (b *Broker[T]) Publish(msg T) {
	select {
	case b.publish <- msg:
	case <-b.doneChan:
	}
}
