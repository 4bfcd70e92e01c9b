package dayahead

import "fmt"

// FetchError means no usable response was obtained for a day: a transport
// failure, a non-2xx status, or a refused date.
type FetchError struct {
	Date       string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: upstream status %d: %v", e.Date, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Date, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError means the body was received but is not the expected shape. The
// raw bytes are still available on the Fetch.
type ParseError struct {
	Date      string
	RawSHA256 string
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s (raw %s): %v", e.Date, shortHash(e.RawSHA256), e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
