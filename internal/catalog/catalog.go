// Package catalog loads the lots an auction house sells, assigns each a
// random id that is never reused, and shuffles the listing order.
//
// Two file formats are accepted:
//
//	gaming chair 75         plain text, last token is the starting price
//	[[items]]               TOML, name + price (string decimal)
package catalog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"

	"github.com/atmx/auctionhouse/internal/model"
)

// MaxItemID bounds generated ids: ids are drawn from [0, MaxItemID).
const MaxItemID = 1000

// DefaultPrice is used when a line's trailing price does not parse.
var DefaultPrice = decimal.NewFromInt(50)

// lineRegex matches: {name words...} {price}
var lineRegex = regexp.MustCompile(`^(\S.*?)\s+(\S+)$`)

var (
	ErrInvalidLine = errors.New("catalog: invalid item line")
	ErrTooMany     = errors.New("catalog: more items than available ids")
)

// Lot is an item before it gets an id.
type Lot struct {
	Name  string
	Price decimal.Decimal
}

type tomlFile struct {
	Items []struct {
		Name  string `toml:"name"`
		Price string `toml:"price"`
	} `toml:"items"`
}

// Defaults is the stock used when no items file is configured.
func Defaults() []Lot {
	return []Lot{
		{Name: "gaming-chair", Price: decimal.NewFromInt(75)},
		{Name: "hypercar-toy", Price: decimal.NewFromInt(10)},
		{Name: "PS5-game", Price: decimal.NewFromInt(60)},
		{Name: "monke-NFT", Price: decimal.NewFromInt(100)},
	}
}

// ParseLine parses one plain-text line. Name words are joined with '-'
// so the name stays a single wire token.
func ParseLine(line string) (Lot, error) {
	matches := lineRegex.FindStringSubmatch(strings.TrimSpace(line))
	if matches == nil {
		return Lot{}, fmt.Errorf("%w: %q (expected {name} {price})", ErrInvalidLine, line)
	}
	price, err := decimal.NewFromString(matches[2])
	if err != nil || !price.IsPositive() {
		price = DefaultPrice
	}
	return Lot{Name: tokenName(matches[1]), Price: price}, nil
}

func tokenName(name string) string {
	name = strings.ReplaceAll(name, "/", "-")
	return strings.Join(strings.Fields(name), "-")
}

// ReadLines parses the plain-text format, skipping blank lines and '#'
// comments.
func ReadLines(r io.Reader) ([]Lot, error) {
	var lots []Lot
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lot, err := ParseLine(line)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, sc.Err()
}

// ReadTOML parses the TOML format.
func ReadTOML(data []byte) ([]Lot, error) {
	var f tomlFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode items toml: %w", err)
	}
	lots := make([]Lot, 0, len(f.Items))
	for i, it := range f.Items {
		if strings.TrimSpace(it.Name) == "" {
			return nil, fmt.Errorf("%w: item %d has no name", ErrInvalidLine, i)
		}
		price, err := decimal.NewFromString(it.Price)
		if err != nil || !price.IsPositive() {
			price = DefaultPrice
		}
		lots = append(lots, Lot{Name: tokenName(it.Name), Price: price})
	}
	return lots, nil
}

// LoadFile reads lots from path, choosing the format by extension. An empty
// path yields the defaults.
func LoadFile(path string) ([]Lot, error) {
	if path == "" {
		return Defaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read items file: %w", err)
	}
	var lots []Lot
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		lots, err = ReadTOML(data)
	} else {
		lots, err = ReadLines(strings.NewReader(string(data)))
	}
	if err != nil {
		return nil, err
	}
	if len(lots) == 0 {
		return Defaults(), nil
	}
	return lots, nil
}

// Build assigns unique random ids and returns the items in shuffled order,
// all Listed with a fresh idle timer.
func Build(lots []Lot, rng *rand.Rand) ([]model.Item, error) {
	if len(lots) > MaxItemID {
		return nil, fmt.Errorf("%w: %d", ErrTooMany, len(lots))
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	used := make(map[int]bool, len(lots))
	items := make([]model.Item, 0, len(lots))
	for _, lot := range lots {
		id := rng.IntN(MaxItemID)
		for used[id] {
			id = rng.IntN(MaxItemID)
		}
		used[id] = true
		items = append(items, model.Item{
			ID:           id,
			Name:         lot.Name,
			InitialPrice: lot.Price,
			Status:       model.ItemListed,
		})
	}
	rng.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
	return items, nil
}
