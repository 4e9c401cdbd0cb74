package tunnel

import "sync"

// Pipe links two in-process sessions so everything written by one is
// delivered to the other. Delivery runs on a per-direction goroutine with a
// FIFO queue, which preserves per-stream ordering while breaking the
// re-entrancy that a direct sink -> HandleMessage call would cause when a
// data callback writes back to its peer.
func Pipe(opts Options) (client, server Session, stop func()) {
	clientOpts := opts
	clientOpts.Side = Initiator
	serverOpts := opts
	serverOpts.Side = Responder

	toServer := newPump()
	toClient := newPump()

	client = NewSession(toServer.enqueue, clientOpts)
	server = NewSession(toClient.enqueue, serverOpts)

	toServer.start(server.HandleMessage)
	toClient.start(client.HandleMessage)

	return client, server, func() {
		_ = client.Close()
		_ = server.Close()
		toServer.stop()
		toClient.stop()
	}
}

type pump struct {
	mu     sync.Mutex
	queue  [][]byte
	wake   chan struct{}
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

func newPump() *pump {
	return &pump{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (p *pump) enqueue(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.queue = append(p.queue, buf)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *pump) start(deliver func([]byte) error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			p.mu.Lock()
			queue := p.queue
			p.queue = nil
			p.mu.Unlock()

			for _, msg := range queue {
				_ = deliver(msg)
			}

			select {
			case <-p.wake:
			case <-p.done:
				return
			}
		}
	}()
}

func (p *pump) stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.done)
	p.wg.Wait()
}
