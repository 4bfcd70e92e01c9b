// Package ingesttest provides a fake day-ahead upstream and a pipeline wired
// to a temporary data root, for tests of packages that consume ingested
// datasets.
package ingesttest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/artifacts"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonical"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/dayahead"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/ingest"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/manifest"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/vault"
)

// Response overrides the upstream answer for one date.
type Response struct {
	Status int
	Body   string
}

// Upstream serves {YYYY}/{MM}-{DD}_{AREA}.json with 24 hourly prices per day
// unless a date is overridden.
type Upstream struct {
	Server *httptest.Server

	mu        sync.Mutex
	overrides map[string]Response
	requests  []string
}

// NewUpstream starts a fake upstream closed with t.
func NewUpstream(t testing.TB) *Upstream {
	u := &Upstream{overrides: map[string]Response{}}
	u.Server = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.Server.Close)
	return u
}

func (u *Upstream) serve(w http.ResponseWriter, r *http.Request) {
	year := path.Base(path.Dir(r.URL.Path))
	name := strings.TrimSuffix(path.Base(r.URL.Path), ".json")
	md, _, ok := strings.Cut(name, "_")
	if !ok {
		http.NotFound(w, r)
		return
	}
	date := year + "-" + md

	u.mu.Lock()
	u.requests = append(u.requests, date)
	resp, overridden := u.overrides[date]
	u.mu.Unlock()

	if !overridden {
		resp = Response{Status: http.StatusOK, Body: HourlyBody(date, 0.04)}
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write([]byte(resp.Body))
}

// Set overrides the response for date.
func (u *Upstream) Set(date string, r Response) {
	u.mu.Lock()
	u.overrides[date] = r
	u.mu.Unlock()
}

// Requests returns the dates requested so far.
func (u *Upstream) Requests() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.requests...)
}

// BaseURL is the prices endpoint of the fake.
func (u *Upstream) BaseURL() string { return u.Server.URL + "/api/v1/prices" }

// Offset returns the local UTC offset in effect at noon of date.
func Offset(date string) string {
	noon, err := time.Parse(time.RFC3339, date+"T12:00:00Z")
	if err != nil {
		return "+01:00"
	}
	if canonical.IsCEST(noon) {
		return "+02:00"
	}
	return "+01:00"
}

// HourlyBody returns 24 hourly entries for date; hour i costs base+i/1000
// EUR/kWh.
func HourlyBody(date string, base float64) string {
	start, err := time.Parse(time.RFC3339, date+"T00:00:00"+Offset(date))
	if err != nil {
		return "[]"
	}
	entries := make([]string, 24)
	for i := range entries {
		s := start.Add(time.Duration(i) * time.Hour)
		entries[i] = Entry(s, fmt.Sprintf("%g", base+float64(i)/1000))
	}
	return "[" + strings.Join(entries, ",") + "]"
}

// Entry renders one upstream element starting at s; eur is the raw JSON
// value of EUR_per_kWh (use "null" for a missing price).
func Entry(s time.Time, eur string) string {
	return fmt.Sprintf(`{"SEK_per_kWh":0.5,"EUR_per_kWh":%s,"EXR":11.1,"time_start":%q,"time_end":%q}`,
		eur, s.Format(time.RFC3339), s.Add(time.Hour).Format(time.RFC3339))
}

// Env is a pipeline over a temporary data root.
type Env struct {
	Root      string
	Upstream  *Upstream
	Client    *dayahead.Client
	Raw       *artifacts.FileStore
	Manifests *manifest.Store
	Vaults    *vault.Vaults
	Pipeline  *ingest.Pipeline
	Out       *bytes.Buffer

	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// SetNow moves the clock seen by the client, the pipeline and the vault.
func (e *Env) SetNow(t time.Time) {
	e.mu.Lock()
	e.now = t
	e.mu.Unlock()
}

// Now returns the current fake time.
func (e *Env) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// Sleeps returns the pacing delays requested so far.
func (e *Env) Sleeps() []time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Duration(nil), e.sleeps...)
}

// NewEnv builds an Env whose clock is fixed at now. modify may adjust the
// pipeline options before construction.
func NewEnv(t testing.TB, now time.Time, modify ...func(*ingest.Options)) *Env {
	t.Helper()
	root := t.TempDir()
	env := &Env{Root: root, now: now, Out: &bytes.Buffer{}}
	clock := env.Now

	up := NewUpstream(t)
	src, err := dayahead.LookupSource("elprisetjustnu")
	require.NoError(t, err)
	client := dayahead.NewClient(up.Server.Client(), dayahead.Config{
		BaseURL: up.BaseURL(),
		Source:  src,
		Now:     clock,
	})

	raw, err := artifacts.NewFileStore(filepath.Join(root, "raw"))
	require.NoError(t, err)
	vaults, err := vault.Open(context.Background(), vault.StoreConfig{Kind: vault.KindFile, Dir: filepath.Join(root, "vault")}, vault.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vaults.Close() })

	env.Upstream = up
	env.Client = client
	env.Raw = raw
	env.Manifests = manifest.NewStore(root)
	env.Vaults = vaults

	opts := ingest.Options{
		DataRoot:           root,
		MethodologyVersion: "v1.0.0",
		DayDelay:           500 * time.Millisecond,
		MonthDelay:         2 * time.Second,
		Out:                env.Out,
		Now:                clock,
		Sleep: func(_ context.Context, d time.Duration) error {
			env.mu.Lock()
			env.sleeps = append(env.sleeps, d)
			env.mu.Unlock()
			return nil
		},
	}
	for _, fn := range modify {
		fn(&opts)
	}
	env.Pipeline, err = ingest.New(client, raw, env.Manifests, vaults.Datasets, opts)
	require.NoError(t, err)
	return env
}
