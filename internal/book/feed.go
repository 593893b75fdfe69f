package book

import (
	"context"
	"fmt"
	"sync"

	"venueflow/internal/stream"
	"venueflow/logger"
	"venueflow/models"
)

// Update is one decoded book message. Exactly one of Snapshot and Delta
// is set.
type Update struct {
	Snapshot *models.BookSnapshot
	Delta    *models.BookDelta
}

// Decoder turns a raw stream payload into a book update. Each venue
// adapter supplies its own implementation.
type Decoder interface {
	DecodeBook(payload []byte) (Update, error)
}

// Feed pumps one stream subscription into a Book: snapshots replace the
// book wholesale, deltas are applied in delivery order with stale ones
// discarded by the book itself.
type Feed struct {
	book *Book
	msgs <-chan stream.Message
	dec  Decoder

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewFeed(b *Book, msgs <-chan stream.Message, dec Decoder) *Feed {
	return &Feed{
		book: b,
		msgs: msgs,
		dec:  dec,
		wg:   &sync.WaitGroup{},
	}
}

// Start begins consuming the subscription channel.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("book feed already running")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	log := f.book.log.WithFields(logger.Fields{"operation": "start"})
	log.Info("starting book feed")

	f.wg.Add(1)
	go f.consume()
	return nil
}

// Stop waits for the consume loop to drain. The loop itself ends when
// the context is cancelled or the subscription channel closes.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	f.wg.Wait()
	f.book.log.Info("book feed stopped")
}

func (f *Feed) consume() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		case msg, ok := <-f.msgs:
			if !ok {
				return
			}
			f.handle(msg)
		}
	}
}

func (f *Feed) handle(msg stream.Message) {
	update, err := f.dec.DecodeBook(msg.Payload)
	if err != nil {
		f.book.log.WithError(err).WithField("subscription", msg.Subscription.Key()).Warn("failed to decode book message")
		return
	}
	switch {
	case update.Snapshot != nil:
		f.book.ApplySnapshot(*update.Snapshot)
	case update.Delta != nil:
		f.book.ApplyDelta(*update.Delta)
	}
}
