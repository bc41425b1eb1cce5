package engine

import (
	"context"
	"sync"

	"github.com/CedarLaneLabs/ChatterMill/internal/models"
)

// DefaultMaxWorkers caps concurrently processing contacts.
const DefaultMaxWorkers = 16

// contactGuard serializes turn processing per contact while letting distinct
// contacts proceed in parallel. Each contact gets a FIFO mailbox drained by at
// most one goroutine at a time; admission order within a contact is preserved.
// A global semaphore bounds total in-flight turns.
type contactGuard struct {
	mu        sync.Mutex
	mailboxes map[string]*mailbox
	sem       chan struct{}
	wg        sync.WaitGroup
}

type mailbox struct {
	queue   []models.InboundEvent
	running bool
}

func newContactGuard(maxWorkers int) *contactGuard {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &contactGuard{
		mailboxes: make(map[string]*mailbox),
		sem:       make(chan struct{}, maxWorkers),
	}
}

// submit enqueues an event for its contact and starts a drainer if none is
// active. The drainer owns the mailbox until it empties, so two turns for the
// same contact can never interleave.
func (g *contactGuard) submit(ctx context.Context, evt models.InboundEvent, process func(context.Context, models.InboundEvent)) {
	g.mu.Lock()
	mb, ok := g.mailboxes[evt.ContactID]
	if !ok {
		mb = &mailbox{}
		g.mailboxes[evt.ContactID] = mb
	}
	mb.queue = append(mb.queue, evt)
	if mb.running {
		g.mu.Unlock()
		return
	}
	mb.running = true
	g.mu.Unlock()

	g.wg.Add(1)
	go g.drain(ctx, evt.ContactID, mb, process)
}

func (g *contactGuard) drain(ctx context.Context, contactID string, mb *mailbox, process func(context.Context, models.InboundEvent)) {
	defer g.wg.Done()
	for {
		g.mu.Lock()
		if len(mb.queue) == 0 {
			mb.running = false
			delete(g.mailboxes, contactID)
			g.mu.Unlock()
			return
		}
		evt := mb.queue[0]
		mb.queue = mb.queue[1:]
		g.mu.Unlock()

		select {
		case g.sem <- struct{}{}:
		case <-ctx.Done():
			// Shutting down; abandon the remainder of the mailbox. Dedup
			// records were not written for unprocessed events, so redelivery
			// picks them up.
			g.mu.Lock()
			mb.running = false
			mb.queue = nil
			delete(g.mailboxes, contactID)
			g.mu.Unlock()
			return
		}
		process(ctx, evt)
		<-g.sem
	}
}

// wait blocks until all drainers have finished.
func (g *contactGuard) wait() {
	g.wg.Wait()
}
