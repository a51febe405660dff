package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/auctionhouse/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func sample() []model.Account {
	return []model.Account{
		{ID: 1234, Name: "alice", Kind: model.KindHuman, Balance: d(250.5),
			Holds: map[int]decimal.Decimal{7: d(40)}},
		{ID: 42, Name: "sothebys", Kind: model.KindAuctionHouse, Balance: d(0)},
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "accounts.txt")
	s := NewFileStore(path)

	if err := s.SaveAccounts(ctx, sample()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.LoadAccounts(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(got))
	}
	if got[0].Name != "alice" || got[0].ID != 1234 || !got[0].Balance.Equal(d(250.5)) {
		t.Errorf("unexpected first account %+v", got[0])
	}
	if got[1].Kind != model.KindAuctionHouse {
		t.Errorf("expected auction-house kind, got %s", got[1].Kind)
	}
	if len(got[0].Holds) != 0 {
		t.Error("holds must not be persisted")
	}
}

func TestFileStore_WritesFlatFormat(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "accounts.txt")
	if err := NewFileStore(path).SaveAccounts(ctx, sample()); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "Users, ID, Type, Amount\nalice, 1234, 0, 250.5\nsothebys, 42, 1, 0\n"
	if string(raw) != want {
		t.Errorf("file contents:\n%s\nwant:\n%s", raw, want)
	}
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "nope.txt"))
	got, err := s.LoadAccounts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no accounts, got %d", len(got))
	}
}

func TestReadAccounts_HeaderOptionalAndCommaNames(t *testing.T) {
	in := "bob, 5, 0, 10\n\nsmith, jr, 6, human, 3.25\n"
	got, err := ReadAccounts(strings.NewReader(in))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(got))
	}
	if got[1].Name != "smith, jr" || got[1].ID != 6 {
		t.Errorf("unexpected second account %+v", got[1])
	}
}

func TestReadAccounts_BadRow(t *testing.T) {
	for _, in := range []string{
		"bob, 5, 0\n",
		"bob, five, 0, 10\n",
		"bob, 5, 9, 10\n",
		"bob, 5, 0, lots\n",
	} {
		if _, err := ReadAccounts(strings.NewReader(in)); !errors.Is(err, ErrBadRow) {
			t.Errorf("%q: expected ErrBadRow, got %v", in, err)
		}
	}
}

func TestMemoryStore_SnapshotIsCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	accts := sample()
	if err := s.SaveAccounts(ctx, accts); err != nil {
		t.Fatalf("save: %v", err)
	}
	accts[0].Balance = d(1)

	got, _ := s.LoadAccounts(ctx)
	if !got[0].Balance.Equal(d(250.5)) {
		t.Errorf("store shares memory with caller: %s", got[0].Balance)
	}
}

func TestMemoryStore_RejectsDuplicateIDs(t *testing.T) {
	accts := append(sample(), model.Account{ID: 42, Name: "dup"})
	if err := NewMemoryStore().SaveAccounts(context.Background(), accts); err == nil {
		t.Error("expected error for duplicate id")
	}
}

func TestMemoryStore_Transfers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	tr := &model.Transfer{ID: "t1", FromID: 1, ToID: 2, ItemID: 7, Amount: d(90), Timestamp: time.Now()}

	if err := s.InsertTransfer(ctx, tr); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertTransfer(ctx, tr); err == nil {
		t.Error("transfer records are immutable; duplicate insert must fail")
	}
	got, _ := s.ListTransfers(ctx)
	if len(got) != 1 || !got[0].Amount.Equal(d(90)) {
		t.Errorf("unexpected transfers %+v", got)
	}
}
