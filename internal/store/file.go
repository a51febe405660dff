package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/auctionhouse/internal/model"
)

// FileHeader is the first line of an accounts file.
const FileHeader = "Users, ID, Type, Amount"

// ErrBadRow reports an accounts file row that cannot be parsed.
var ErrBadRow = errors.New("store: malformed account row")

// FileStore keeps the account snapshot in a flat text file, one row per
// account: name, id, type, balance. Settlement records are kept in memory
// only.
type FileStore struct {
	path string
	*MemoryStore
}

// NewFileStore creates a store backed by the file at path. The file need not
// exist yet.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, MemoryStore: NewMemoryStore()}
}

// Path is the snapshot file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) LoadAccounts(_ context.Context) ([]model.Account, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []model.Account{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open accounts file: %w", err)
	}
	defer f.Close()

	accounts, err := ReadAccounts(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	return accounts, nil
}

// SaveAccounts writes the snapshot to a temporary file and renames it over
// the old one.
func (s *FileStore) SaveAccounts(_ context.Context, accounts []model.Account) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteAccounts(tmp, accounts); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// ReadAccounts parses an accounts file. The header line is optional; blank
// lines are skipped. Names may contain commas since the last three fields
// are taken from the right.
func ReadAccounts(r io.Reader) ([]model.Account, error) {
	var out []model.Account
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || (lineNo == 1 && line == FileHeader) {
			continue
		}
		a, err := parseRow(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, a)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseRow(line string) (model.Account, error) {
	parts := strings.Split(line, ",")
	if len(parts) < 4 {
		return model.Account{}, fmt.Errorf("%w: %q", ErrBadRow, line)
	}
	n := len(parts)
	name := strings.TrimSpace(strings.Join(parts[:n-3], ","))
	if name == "" {
		return model.Account{}, fmt.Errorf("%w: empty name", ErrBadRow)
	}
	id, err := strconv.Atoi(strings.TrimSpace(parts[n-3]))
	if err != nil {
		return model.Account{}, fmt.Errorf("%w: id: %v", ErrBadRow, err)
	}
	kind, err := model.ParseAccountKind(strings.TrimSpace(parts[n-2]))
	if err != nil {
		return model.Account{}, fmt.Errorf("%w: %v", ErrBadRow, err)
	}
	balance, err := decimal.NewFromString(strings.TrimSpace(parts[n-1]))
	if err != nil {
		return model.Account{}, fmt.Errorf("%w: balance: %v", ErrBadRow, err)
	}
	return model.Account{ID: id, Name: name, Kind: kind, Balance: balance}, nil
}

// WriteAccounts renders accounts in the flat file format, header first.
func WriteAccounts(w io.Writer, accounts []model.Account) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, FileHeader); err != nil {
		return err
	}
	for _, a := range accounts {
		if _, err := fmt.Fprintf(bw, "%s, %d, %d, %s\n", a.Name, a.ID, int(a.Kind), a.Balance.String()); err != nil {
			return err
		}
	}
	return bw.Flush()
}
