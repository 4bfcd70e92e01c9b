package vault

import "context"

// Line is one stored record. Data is the complete JSON document of the record.
type Line struct {
	Index     int64
	ChainHash string
	Data      []byte
}

// Backend stores the lines of one ledger. Append must serialize writers: next
// is called with the current head (nil when empty) and the line it returns
// is stored as the new head.
type Backend interface {
	Append(ctx context.Context, next func(head *Line) (Line, error)) error
	Lines(ctx context.Context) ([]Line, error)
	Close() error
}
