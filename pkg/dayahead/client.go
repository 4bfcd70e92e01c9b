// Package dayahead fetches one delivery day of day-ahead prices from an
// upstream HTTP API and decodes it into typed entries.
package dayahead

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonical"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonicalize"
)

// Fixed row attributes of the elprisetjustnu feed after conversion.
const (
	Market   = "day_ahead"
	Currency = "EUR"
	Unit     = "EUR/MWh"
)

// maxBody caps a single day's response.
const maxBody = 4 << 20

// ErrFutureDate is wrapped in a FetchError for dates after today.
var ErrFutureDate = errors.New("delivery date is in the future")

// ErrNoEntries is wrapped in a ParseError for an empty array.
var ErrNoEntries = errors.New("no entries in response")

// Doer issues HTTP requests. *http.Client and *resiliency.EnhancedClient satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetch is the outcome of one request. Raw and RawSHA256 are set whenever a
// body was received, including when it failed to parse.
type Fetch struct {
	Date        string
	Area        string
	URL         string
	Source      Source
	Raw         []byte
	RawSHA256   string
	RetrievedAt time.Time
	Entries     []canonical.RawEntry
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	UserAgent string
	Source    Source
	Logger    *slog.Logger
	// Now returns the current instant; nil means time.Now.
	Now func() time.Time
}

// Client fetches day-ahead prices.
type Client struct {
	doer   Doer
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewClient returns a client issuing requests through doer.
func NewClient(doer Doer, cfg Config) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{doer: doer, cfg: cfg, logger: logger, now: now}
}

// Source returns the publisher this client reads from.
func (c *Client) Source() Source { return c.cfg.Source }

// DayURL returns the request URL for date (YYYY-MM-DD) and area.
func (c *Client) DayURL(date, area string) string {
	// date is validated by the caller; layout is {YYYY}/{MM}-{DD}_{AREA}.json
	return fmt.Sprintf("%s/%s/%s_%s.json", c.cfg.BaseURL, date[:4], date[5:], area)
}

// FetchDay performs one request for date. On a ParseError the returned Fetch
// is non-nil and carries the raw body.
func (c *Client) FetchDay(ctx context.Context, date, area string) (*Fetch, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, &FetchError{Date: date, Err: fmt.Errorf("invalid date: %w", err)}
	}
	// "today" is the market's local date
	today, _ := canonical.Bucket(c.now())
	if date > today {
		return nil, &FetchError{Date: date, Err: ErrFutureDate}
	}

	url := c.DayURL(date, area)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{Date: date, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, &FetchError{Date: date, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, &FetchError{Date: date, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Date: date, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	f := &Fetch{
		Date:        date,
		Area:        area,
		URL:         url,
		Source:      c.cfg.Source,
		Raw:         body,
		RawSHA256:   canonicalize.HashBytes(body),
		RetrievedAt: c.now().UTC().Truncate(time.Second),
	}
	if len(body) > maxBody {
		return f, &ParseError{Date: date, RawSHA256: f.RawSHA256, Err: fmt.Errorf("body exceeds %d bytes", maxBody)}
	}

	entries, err := Decode(body)
	if err != nil {
		c.logger.Warn("day-ahead payload rejected", "date", date, "area", area, "raw_sha256", f.RawSHA256, "error", err)
		return f, &ParseError{Date: date, RawSHA256: f.RawSHA256, Err: err}
	}
	f.Entries = entries
	return f, nil
}

// priceEntry is one element of the upstream array.
type priceEntry struct {
	SEKPerKWh *float64 `json:"SEK_per_kWh"`
	EURPerKWh *float64 `json:"EUR_per_kWh"`
	EXR       *float64 `json:"EXR"`
	TimeStart string   `json:"time_start"`
	TimeEnd   string   `json:"time_end"`
}

// Decode parses an upstream body into raw entries with prices in EUR/MWh.
// A null or absent EUR_per_kWh yields a nil price, which validation rejects.
func Decode(body []byte) ([]canonical.RawEntry, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errors.New("expected a JSON array")
	}
	var raw []priceEntry
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrNoEntries
	}

	out := make([]canonical.RawEntry, 0, len(raw))
	for i, e := range raw {
		if e.TimeStart == "" {
			return nil, fmt.Errorf("entry %d: missing time_start", i)
		}
		start, err := time.Parse(time.RFC3339, e.TimeStart)
		if err != nil {
			return nil, fmt.Errorf("entry %d: time_start: %w", i, err)
		}
		if e.TimeEnd != "" {
			end, err := time.Parse(time.RFC3339, e.TimeEnd)
			if err != nil {
				return nil, fmt.Errorf("entry %d: time_end: %w", i, err)
			}
			if !end.After(start) {
				return nil, fmt.Errorf("entry %d: time_end %s not after time_start %s", i, e.TimeEnd, e.TimeStart)
			}
		}
		var price *float64
		if e.EURPerKWh != nil {
			p := canonical.Round2(*e.EURPerKWh * 1000)
			price = &p
		}
		out = append(out, canonical.RawEntry{Start: start, Price: price})
	}
	return out, nil
}

// DayInput assembles the canonicalizer input for a successful fetch.
func (f *Fetch) DayInput(datasetID string) canonical.DayInput {
	return canonical.DayInput{
		Date:        f.Date,
		Area:        f.Area,
		Market:      Market,
		Currency:    Currency,
		Unit:        Unit,
		Source:      f.Source.Name,
		DatasetID:   datasetID,
		RetrievedAt: f.RetrievedAt,
		RawSHA256:   f.RawSHA256,
		Entries:     f.Entries,
	}
}
