// Package chunk assembles buffered rows into compressed, token-tagged chunks.
package chunk

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/szibis/td-shipper/internal/codec"
	"github.com/szibis/td-shipper/internal/compression"
)

// Format is the import format tag for a gzip-compressed msgpack row stream.
const Format = "msgpack.gz"

var tokenPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// IsToken reports whether s is a lowercase 8-4-4-4-12 UUID.
func IsToken(s string) bool {
	return tokenPattern.MatchString(s)
}

// NewToken returns a fresh random token.
func NewToken() string {
	return uuid.New().String()
}

// TokenMode selects how a reused idempotency token is recognized.
type TokenMode string

const (
	// TokenExplicit reuses only Batch.Token.
	TokenExplicit TokenMode = "explicit"
	// TokenInferred additionally treats a UUID-shaped first row as a token
	// left in front of the batch by an earlier attempt.
	TokenInferred TokenMode = "inferred"
)

// ParseTokenMode parses a token_reuse setting.
func ParseTokenMode(s string) (TokenMode, error) {
	switch TokenMode(s) {
	case "", TokenExplicit:
		return TokenExplicit, nil
	case TokenInferred:
		return TokenInferred, nil
	default:
		return "", fmt.Errorf("unknown token reuse mode: %q", s)
	}
}

// Batch is an ordered run of rows drained from the buffer. Token is set
// when the batch is a retry of a chunk that already has one.
type Batch struct {
	Token string
	Rows  []codec.Row
}

// Size returns the total raw byte size of the rows.
func (b Batch) Size() int {
	n := 0
	for _, r := range b.Rows {
		n += len(r)
	}
	return n
}

// Chunk is one compressed batch ready for import.
type Chunk struct {
	Token string
	// Data is the gzip of the concatenated rows; the token is not part of it.
	Data     []byte
	Rows     int
	RawBytes int
}

// Assembler builds chunks from batches.
type Assembler struct {
	mode  TokenMode
	level compression.Level
}

// NewAssembler creates an Assembler.
func NewAssembler(mode TokenMode, level compression.Level) *Assembler {
	if mode == "" {
		mode = TokenExplicit
	}
	return &Assembler{mode: mode, level: level}
}

// Build compresses b into a chunk, reusing an existing token when one is
// present and assigning a new one otherwise. An empty batch yields nil.
func (a *Assembler) Build(b Batch) (*Chunk, error) {
	rows := b.Rows
	token := ""

	switch {
	case IsToken(b.Token):
		token = b.Token
	case b.Token != "":
		return nil, fmt.Errorf("malformed chunk token %q", b.Token)
	}

	if a.mode == TokenInferred && len(rows) > 0 && IsToken(string(rows[0])) {
		if token == "" {
			token = string(rows[0])
		}
		rows = rows[1:]
	}

	if len(rows) == 0 {
		return nil, nil
	}
	if token == "" {
		token = NewToken()
	}

	data, err := compression.GzipConcat(rows, a.level)
	if err != nil {
		return nil, fmt.Errorf("compress chunk %s: %w", token, err)
	}

	raw := 0
	for _, r := range rows {
		raw += len(r)
	}
	return &Chunk{Token: token, Data: data, Rows: len(rows), RawBytes: raw}, nil
}
