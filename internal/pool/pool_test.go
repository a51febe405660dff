package pool

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/auctionhouse/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seed() []model.Item {
	return []model.Item{
		{ID: 11, Name: "chair", InitialPrice: d(75)},
		{ID: 22, Name: "car", InitialPrice: d(10)},
		{ID: 33, Name: "game", InitialPrice: d(60)},
		{ID: 44, Name: "nft", InitialPrice: d(100)},
	}
}

func TestVisible_IsLeadingWindow(t *testing.T) {
	p := New(seed(), 3)

	vis := p.Visible()
	if len(vis) != 3 {
		t.Fatalf("expected 3 visible, got %d", len(vis))
	}
	for i, id := range []int{11, 22, 33} {
		if vis[i].ID != id {
			t.Errorf("slot %d: expected %d, got %d", i, id, vis[i].ID)
		}
	}
	if p.InWindow(44) {
		t.Error("fourth item must not be biddable yet")
	}
}

func TestRemove_SlidesWindowAndIsOnce(t *testing.T) {
	p := New(seed(), 3)

	if _, ok := p.Remove(22); !ok {
		t.Fatal("first remove should succeed")
	}
	if _, ok := p.Remove(22); ok {
		t.Error("second remove of the same item must fail")
	}
	if !p.InWindow(44) {
		t.Error("fourth item should slide into the window")
	}
	if p.Len() != 3 {
		t.Errorf("expected 3 items left, got %d", p.Len())
	}
}

func TestSnapshot_UsesHighestBidWhenPresent(t *testing.T) {
	p := New(seed(), 2)
	it, _ := p.Get(11)
	bid := d(80)
	bidder := 7
	it.HighestBid, it.HighestBidder = &bid, &bidder

	snap := p.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if !snap[0].Price.Equal(d(80)) {
		t.Errorf("expected price 80 for bid item, got %s", snap[0].Price)
	}
	if !snap[1].Price.Equal(d(10)) {
		t.Errorf("expected initial price 10, got %s", snap[1].Price)
	}
}

func TestAppend_IgnoresDuplicateID(t *testing.T) {
	p := New(seed(), 3)
	if p.Append(model.Item{ID: 11, Name: "again"}) {
		t.Error("duplicate id should be ignored")
	}
	if p.Len() != 4 {
		t.Errorf("expected 4 items, got %d", p.Len())
	}
}

func TestNew_DefaultsWindow(t *testing.T) {
	p := New(seed(), 0)
	if p.Window() != DefaultWindow {
		t.Errorf("expected default window %d, got %d", DefaultWindow, p.Window())
	}
}
