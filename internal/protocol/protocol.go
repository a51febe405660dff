// Package protocol is the line codec shared by the bank, the auction houses
// and the agents: one command per newline-terminated line, space-delimited
// tokens, first token is the verb.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Agent ⇄ Auction House verbs.
const (
	VerbAgentID        = "agentID"
	VerbNewBid         = "newBid"
	VerbReqItems       = "ReqItems"
	VerbAuctionItems   = "auctionItems"
	VerbBid            = "Bid"
	VerbInvalidBid     = "invalidBid"
	VerbOutBid         = "OutBid"
	VerbBidPlaced      = "bidPlaced"
	VerbItemWon        = "itemWon"
	VerbItemDelivered  = "itemDelivered"
	VerbAuctionClosing = "auctionClosing"
)

// Auction House / Agent ⇄ Bank verbs.
const (
	VerbRegisterAuction  = "registerAuction"
	VerbRegisterUser     = "registerUser"
	VerbReturningUser    = "ReturningUser"
	VerbOpen             = "open"
	VerbCheckBalance     = "CheckBalance"
	VerbReqHold          = "reqHold"
	VerbRemoveHold       = "removeHold"
	VerbDeposit          = "deposit"
	VerbWithdraw         = "withdraw"
	VerbListAuctions     = "listAuctions"
	VerbSuccessfulLogin  = "SuccessfulLogin"
	VerbFailedLogin      = "FailedLogin"
	VerbFailedReg        = "FailedReg"
	VerbHoldSuccessful   = "holdSuccessful"
	VerbHoldFailed       = "holdFailed"
	VerbFundsTransferred = "fundsTransferred"
	VerbSettlementFailed = "settlementFailed"
	VerbBalances         = "Balances"
	VerbFailedWithdraw   = "FailedWithdraw"
	VerbAuctions         = "auctions"
)

// Reasons carried by invalidBid.
const (
	ReasonAmountTooLow = "amt2low"
	ReasonHoldFailed   = "holdFailed"
	ReasonHoldTimeout  = "holdTimeout"
	ReasonNotListed    = "notListed"
	ReasonNotOpen      = "notOpen"
	ReasonBidPending   = "bidPending"
	ReasonMalformed    = "malformed"
)

// Reasons carried by auctionClosing.
const (
	CloseSoldOut    = "soldOut"
	CloseNoActivity = "noActivity"
)

var (
	ErrEmptyLine = errors.New("protocol: empty line")
	ErrMalformed = errors.New("protocol: malformed message")
)

// Message is one decoded line.
type Message struct {
	Verb string
	Args []string
}

// New builds a message from a verb and arguments.
func New(verb string, args ...string) Message {
	return Message{Verb: verb, Args: args}
}

// Parse splits a line into verb and arguments. Repeated blanks are ignored.
func Parse(line string) (Message, error) {
	fields := strings.Fields(strings.TrimRight(line, "\r\n"))
	if len(fields) == 0 {
		return Message{}, ErrEmptyLine
	}
	return Message{Verb: fields[0], Args: fields[1:]}, nil
}

// Encode renders the message without the trailing newline.
func (m Message) Encode() string {
	if len(m.Args) == 0 {
		return m.Verb
	}
	return m.Verb + " " + strings.Join(m.Args, " ")
}

func (m Message) String() string { return m.Encode() }

// Want returns ErrMalformed unless the message has at least n arguments.
func (m Message) Want(n int) error {
	if len(m.Args) < n {
		return fmt.Errorf("%w: %s needs %d args, got %d", ErrMalformed, m.Verb, n, len(m.Args))
	}
	return nil
}

// Int parses argument i as an integer.
func (m Message) Int(i int) (int, error) {
	if i >= len(m.Args) {
		return 0, fmt.Errorf("%w: %s missing arg %d", ErrMalformed, m.Verb, i)
	}
	v, err := strconv.Atoi(m.Args[i])
	if err != nil {
		return 0, fmt.Errorf("%w: %s arg %d: %v", ErrMalformed, m.Verb, i, err)
	}
	return v, nil
}

// Decimal parses argument i as a decimal amount.
func (m Message) Decimal(i int) (decimal.Decimal, error) {
	if i >= len(m.Args) {
		return decimal.Zero, fmt.Errorf("%w: %s missing arg %d", ErrMalformed, m.Verb, i)
	}
	v, err := decimal.NewFromString(m.Args[i])
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s arg %d: %v", ErrMalformed, m.Verb, i, err)
	}
	return v, nil
}

// ItemRef parses an item token that is either a bare id or "name/id".
func ItemRef(token string) (int, error) {
	if i := strings.LastIndexByte(token, '/'); i >= 0 {
		token = token[i+1:]
	}
	id, err := strconv.Atoi(token)
	if err != nil {
		return 0, fmt.Errorf("%w: item %q", ErrMalformed, token)
	}
	return id, nil
}

// Amount renders a decimal for the wire.
func Amount(d decimal.Decimal) string { return d.String() }

// ID renders an integer id for the wire.
func ID(id int) string { return strconv.Itoa(id) }
