// Package pool holds the unsold items of one auction house in listing
// order. Only the first Window items are visible and biddable; when one is
// won the next item slides into view.
//
// A Pool is not safe for concurrent use. The bid engine owns it and
// serializes every access.
package pool

import (
	"github.com/google/btree"

	"github.com/atmx/auctionhouse/internal/model"
)

// DefaultWindow is the number of items sold concurrently.
const DefaultWindow = 3

type slot struct {
	seq  uint64
	item *model.Item
}

func lessSlot(a, b slot) bool { return a.seq < b.seq }

// Pool is an ordered sequence of items not yet won.
type Pool struct {
	window int
	order  *btree.BTreeG[slot]
	byID   map[int]slot
	next   uint64
}

// New builds a pool preserving the order of items.
func New(items []model.Item, window int) *Pool {
	if window < 1 {
		window = DefaultWindow
	}
	p := &Pool{
		window: window,
		order:  btree.NewG[slot](8, lessSlot),
		byID:   make(map[int]slot, len(items)),
	}
	for _, it := range items {
		p.Append(it)
	}
	return p
}

// Append adds an item at the end of the sequence. An id already present is
// ignored.
func (p *Pool) Append(it model.Item) bool {
	if _, ok := p.byID[it.ID]; ok {
		return false
	}
	if it.Status == "" {
		it.Status = model.ItemListed
	}
	s := slot{seq: p.next, item: &it}
	p.next++
	p.order.ReplaceOrInsert(s)
	p.byID[it.ID] = s
	return true
}

// Window is the number of concurrently listed items.
func (p *Pool) Window() int { return p.window }

// Len is the number of unsold items.
func (p *Pool) Len() int { return len(p.byID) }

// Get returns the live item for in-place updates.
func (p *Pool) Get(id int) (*model.Item, bool) {
	s, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	return s.item, true
}

// Visible returns the live items currently in the window, in order.
func (p *Pool) Visible() []*model.Item {
	out := make([]*model.Item, 0, p.window)
	p.order.Ascend(func(s slot) bool {
		out = append(out, s.item)
		return len(out) < p.window
	})
	return out
}

// InWindow reports whether id is currently biddable.
func (p *Pool) InWindow(id int) bool {
	for _, it := range p.Visible() {
		if it.ID == id {
			return true
		}
	}
	return false
}

// Remove takes the item out of the pool. It reports false if the item was
// already removed.
func (p *Pool) Remove(id int) (model.Item, bool) {
	s, ok := p.byID[id]
	if !ok {
		return model.Item{}, false
	}
	delete(p.byID, id)
	p.order.Delete(s)
	return *s.item, true
}

// Snapshot lists the window: name, id and current price per item.
func (p *Pool) Snapshot() []model.ListingEntry {
	visible := p.Visible()
	out := make([]model.ListingEntry, 0, len(visible))
	for _, it := range visible {
		out = append(out, model.ListingEntry{
			ItemID: it.ID,
			Name:   it.Name,
			Price:  it.CurrentPrice(),
		})
	}
	return out
}

// Items returns copies of every unsold item in order.
func (p *Pool) Items() []model.Item {
	out := make([]model.Item, 0, p.Len())
	p.order.Ascend(func(s slot) bool {
		out = append(out, *s.item)
		return true
	})
	return out
}
