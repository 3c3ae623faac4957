package aggregate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mailmux/mailmux/internal/mail"
	"github.com/mailmux/mailmux/internal/source"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type stubDirectory struct {
	accounts []mail.Account
	err      error
}

func (d *stubDirectory) ListConnected(string) ([]mail.Account, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.accounts, nil
}

type stubPatterns struct {
	pattern *mail.FetchPattern
	readErr error
	saveErr error
	reads   int
	saved   []*mail.FetchPattern
}

func (p *stubPatterns) Pattern(string, string) (*mail.FetchPattern, error) {
	p.reads++
	if p.readErr != nil {
		return nil, p.readErr
	}
	return p.pattern, nil
}

func (p *stubPatterns) SavePattern(pat *mail.FetchPattern) error {
	if p.saveErr != nil {
		return p.saveErr
	}
	p.saved = append(p.saved, pat)
	return nil
}

type stubOpener struct {
	sources map[string]source.Source
	errFor  map[string]error
	opens   []string
}

func (o *stubOpener) Open(acct mail.Account) (source.Source, error) {
	o.opens = append(o.opens, acct.ID)
	if err := o.errFor[acct.ID]; err != nil {
		return nil, err
	}
	src, ok := o.sources[acct.ID]
	if !ok {
		return nil, fmt.Errorf("no stub source for %s", acct.ID)
	}
	return src, nil
}

// seqMessages builds n records with distinct ids and timestamps
// descending one minute apart from newest.
func seqMessages(prefix string, n int, newest time.Time) []mail.Message {
	out := make([]mail.Message, n)
	for i := range out {
		out[i] = mail.Message{
			ID:        fmt.Sprintf("%s-%d", prefix, i),
			Timestamp: newest.Add(-time.Duration(i) * time.Minute),
		}
	}
	return out
}

func newTestEngine(dir *stubDirectory, pats *stubPatterns, opener *stubOpener, opts ...Option) *Engine {
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithNow(func() time.Time { return testNow }),
	}
	return New(dir, pats, opener, append(base, opts...)...)
}

func assertUniqueIDs(t *testing.T, records []mail.Message) {
	t.Helper()
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if _, ok := seen[r.ID]; ok {
			t.Fatalf("duplicate id %q in result", r.ID)
		}
		seen[r.ID] = struct{}{}
	}
}

func assertSortedDesc(t *testing.T, records []mail.Message) {
	t.Helper()
	for i := 1; i < len(records); i++ {
		if records[i].Timestamp.After(records[i-1].Timestamp) {
			t.Fatalf("records not sorted descending at %d: %v after %v",
				i, records[i].Timestamp, records[i-1].Timestamp)
		}
	}
}

func TestFetchPageSingleAttempt(t *testing.T) {
	src := &stubSource{respond: func(call int, _ source.Query) ([]mail.Message, error) {
		return seqMessages("a", 200, testNow.Add(-time.Hour)), nil
	}}
	dir := &stubDirectory{accounts: []mail.Account{testAccount("a1")}}
	pats := &stubPatterns{}
	opener := &stubOpener{sources: map[string]source.Source{"a1": src}}

	e := newTestEngine(dir, pats, opener)
	res, err := e.FetchPage(context.Background(), Request{UserID: "u1", FolderID: mail.FolderInbox})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	if res.AttemptsUsed != 1 {
		t.Errorf("AttemptsUsed = %d, want 1", res.AttemptsUsed)
	}
	if res.TotalCount != 200 || len(res.Records) != 200 {
		t.Errorf("TotalCount = %d, len = %d, want 200", res.TotalCount, len(res.Records))
	}
	if !res.HasMore {
		t.Error("HasMore = false, want true")
	}
	if res.WindowHours != BaselineHours {
		t.Errorf("WindowHours = %d, want %d", res.WindowHours, BaselineHours)
	}
	assertUniqueIDs(t, res.Records)
	assertSortedDesc(t, res.Records)

	q := src.query(0)
	if !q.Since.Equal(testNow.Add(-24*time.Hour)) || !q.Before.Equal(testNow) {
		t.Errorf("window = [%v, %v), want [now-24h, now)", q.Since, q.Before)
	}
	if q.Folder != mail.FolderInbox || q.Limit != DefaultBatchSize {
		t.Errorf("query = %+v", q)
	}

	if len(pats.saved) != 1 {
		t.Fatalf("saved %d patterns, want 1", len(pats.saved))
	}
	pat := pats.saved[0]
	if pat.UserID != "u1" || pat.FolderID != mail.FolderInbox || pat.OptimalHours != 24 || pat.EmailsInLastFetch != 200 {
		t.Errorf("saved pattern = %+v", pat)
	}
}

func TestFetchPageWidensToTarget(t *testing.T) {
	// Attempt 1 at 24h yields 50 raw across three accounts; the
	// re-estimate for a 200 batch is ceil(24*200/50) = 96h. Attempt 2
	// at 96h fills the batch.
	a1 := &stubSource{respond: func(call int, _ source.Query) ([]mail.Message, error) {
		if call == 0 {
			return seqMessages("a1", 20, testNow.Add(-time.Hour)), nil
		}
		return seqMessages("a1w", 150, testNow.Add(-30*time.Hour)), nil
	}}
	a2 := &stubSource{respond: func(call int, _ source.Query) ([]mail.Message, error) {
		// Same 20 records on both attempts; the second pass dedupes.
		return seqMessages("a2", 20, testNow.Add(-2*time.Hour)), nil
	}}
	a3 := &stubSource{respond: func(call int, _ source.Query) ([]mail.Message, error) {
		if call == 0 {
			return seqMessages("a3", 10, testNow.Add(-3*time.Hour)), nil
		}
		return nil, nil
	}}

	dir := &stubDirectory{accounts: []mail.Account{testAccount("a1"), testAccount("a2"), testAccount("a3")}}
	pats := &stubPatterns{}
	opener := &stubOpener{sources: map[string]source.Source{"a1": a1, "a2": a2, "a3": a3}}

	e := newTestEngine(dir, pats, opener)
	res, err := e.FetchPage(context.Background(), Request{UserID: "u1", FolderID: mail.FolderInbox, BatchSize: 200})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	if res.AttemptsUsed != 2 {
		t.Errorf("AttemptsUsed = %d, want 2", res.AttemptsUsed)
	}
	if res.TotalCount != 200 {
		t.Errorf("TotalCount = %d, want 200", res.TotalCount)
	}
	if res.WindowHours != 96 {
		t.Errorf("WindowHours = %d, want 96", res.WindowHours)
	}
	if !res.HasMore {
		t.Error("HasMore = false, want true")
	}
	assertUniqueIDs(t, res.Records)
	assertSortedDesc(t, res.Records)

	for i, stub := range []*stubSource{a1, a2, a3} {
		if stub.calls() != 2 {
			t.Errorf("source %d queried %d times, want 2", i, stub.calls())
		}
	}
	second := a1.query(1)
	if !second.Since.Equal(testNow.Add(-96*time.Hour)) || !second.Before.Equal(testNow) {
		t.Errorf("attempt 2 window = [%v, %v), want [now-96h, now)", second.Since, second.Before)
	}

	if len(pats.saved) != 1 {
		t.Fatalf("saved %d patterns, want 1", len(pats.saved))
	}
	if pats.saved[0].OptimalHours != 96 || pats.saved[0].EmailsInLastFetch != 200 {
		t.Errorf("saved pattern = %+v", pats.saved[0])
	}
}

func TestFetchPageLearnedSeed(t *testing.T) {
	// A learned 48h pattern seeds attempt 1 directly, skipping the
	// 24h baseline.
	src := &stubSource{respond: func(int, source.Query) ([]mail.Message, error) {
		return seqMessages("a", 100, testNow.Add(-time.Hour)), nil
	}}
	dir := &stubDirectory{accounts: []mail.Account{testAccount("a1")}}
	pats := &stubPatterns{pattern: &mail.FetchPattern{UserID: "u1", FolderID: mail.FolderSent, OptimalHours: 48}}
	opener := &stubOpener{sources: map[string]source.Source{"a1": src}}

	e := newTestEngine(dir, pats, opener)
	res, err := e.FetchPage(context.Background(), Request{UserID: "u1", FolderID: mail.FolderSent, BatchSize: 100})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	q := src.query(0)
	if !q.Since.Equal(testNow.Add(-48 * time.Hour)) {
		t.Errorf("seeded window since = %v, want now-48h", q.Since)
	}
	if res.AttemptsUsed != 1 || res.WindowHours != 48 {
		t.Errorf("AttemptsUsed = %d, WindowHours = %d, want 1, 48", res.AttemptsUsed, res.WindowHours)
	}
}

func TestFetchPageSeedClamped(t *testing.T) {
	src := &stubSource{respond: func(int, source.Query) ([]mail.Message, error) {
		return seqMessages("a", 50, testNow.Add(-time.Hour)), nil
	}}
	dir := &stubDirectory{accounts: []mail.Account{testAccount("a1")}}
	pats := &stubPatterns{pattern: &mail.FetchPattern{UserID: "u1", FolderID: mail.FolderInbox, OptimalHours: 10000}}
	opener := &stubOpener{sources: map[string]source.Source{"a1": src}}

	e := newTestEngine(dir, pats, opener)
	res, err := e.FetchPage(context.Background(), Request{UserID: "u1", FolderID: mail.FolderInbox, BatchSize: 50})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	q := src.query(0)
	if !q.Since.Equal(testNow.Add(-720 * time.Hour)) {
		t.Errorf("clamped window since = %v, want now-720h", q.Since)
	}
	if res.WindowHours != MaxWindowHours {
		t.Errorf("WindowHours = %d, want %d", res.WindowHours, MaxWindowHours)
	}
}

func TestFetchPageZeroAccounts(t *testing.T) {
	dir := &stubDirectory{}
	pats := &stubPatterns{}
	opener := &stubOpener{}

	e := newTestEngine(dir, pats, opener)
	res, err := e.FetchPage(context.Background(), Request{UserID: "u1", FolderID: mail.FolderInbox})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	if res.AttemptsUsed != 0 {
		t.Errorf("AttemptsUsed = %d, want 0", res.AttemptsUsed)
	}
	if res.TotalCount != 0 || len(res.Records) != 0 || res.HasMore {
		t.Errorf("result = %+v, want empty", res)
	}
	if pats.reads != 0 {
		t.Errorf("pattern store read %d times, want 0", pats.reads)
	}
	if len(opener.opens) != 0 {
		t.Errorf("opened %v, want none", opener.opens)
	}
}

func TestFetchPageRequiresUserID(t *testing.T) {
	e := newTestEngine(&stubDirectory{}, &stubPatterns{}, &stubOpener{})
	if _, err := e.FetchPage(context.Background(), Request{}); err == nil {
		t.Error("expected error for missing user id")
	}
}

func TestFetchPageOpenFailure(t *testing.T) {
	opened := &stubSource{}
	dir := &stubDirectory{accounts: []mail.Account{testAccount("a1"), testAccount("a2")}}
	opener := &stubOpener{
		sources: map[string]source.Source{"a1": opened},
		errFor:  map[string]error{"a2": &source.ConfigError{Account: "a2@example.com", Reason: "missing OAuth credential"}},
	}

	e := newTestEngine(dir, &stubPatterns{}, opener)
	_, err := e.FetchPage(context.Background(), Request{UserID: "u1", FolderID: mail.FolderInbox})

	var cfgErr *source.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if opened.calls() != 0 {
		t.Errorf("healthy source queried %d times before failing open, want 0", opened.calls())
	}
	if !opened.closed {
		t.Error("already-opened source not closed after open failure")
	}
}

func TestFetchPageAccountFailureBulkheads(t *testing.T) {
	// One account keeps failing; the other serves the same 30 records
	// on every attempt. The request still returns those records.
	healthy := &stubSource{respond: func(int, source.Query) ([]mail.Message, error) {
		return seqMessages("h", 30, testNow.Add(-time.Hour)), nil
	}}
	failing := &stubSource{respond: func(int, source.Query) ([]mail.Message, error) {
		return nil, errors.New("503 upstream unavailable")
	}}

	dir := &stubDirectory{accounts: []mail.Account{testAccount("ok"), testAccount("bad")}}
	pats := &stubPatterns{}
	opener := &stubOpener{sources: map[string]source.Source{"ok": healthy, "bad": failing}}

	e := newTestEngine(dir, pats, opener)
	res, err := e.FetchPage(context.Background(), Request{UserID: "u1", FolderID: mail.FolderInbox, BatchSize: 200})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	// Attempt 1 at 24h: raw 30, re-estimate 160h. Attempt 2 at 160h:
	// raw 30 again, re-estimate 1067h exceeds the cap, stop.
	if res.AttemptsUsed != 2 {
		t.Errorf("AttemptsUsed = %d, want 2", res.AttemptsUsed)
	}
	if res.TotalCount != 30 {
		t.Errorf("TotalCount = %d, want 30", res.TotalCount)
	}
	if res.HasMore {
		t.Error("HasMore = true, want false")
	}
	if res.WindowHours != 160 {
		t.Errorf("WindowHours = %d, want 160", res.WindowHours)
	}
	if failing.calls() != 2 {
		t.Errorf("failing source queried %d times, want 2 (once per attempt)", failing.calls())
	}
	if len(pats.saved) != 0 {
		t.Errorf("pattern saved on shortfall: %+v", pats.saved)
	}
}

func TestFetchPageEmptyWindowStops(t *testing.T) {
	src := &stubSource{}
	dir := &stubDirectory{accounts: []mail.Account{testAccount("a1")}}
	pats := &stubPatterns{}
	opener := &stubOpener{sources: map[string]source.Source{"a1": src}}

	e := newTestEngine(dir, pats, opener)
	res, err := e.FetchPage(context.Background(), Request{UserID: "u1", FolderID: mail.FolderInbox})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	if res.AttemptsUsed != 1 {
		t.Errorf("AttemptsUsed = %d, want 1", res.AttemptsUsed)
	}
	if res.TotalCount != 0 || res.HasMore {
		t.Errorf("result = %+v, want empty", res)
	}
	if len(pats.saved) != 0 {
		t.Errorf("pattern saved on empty window: %+v", pats.saved)
	}
}

func TestFetchPageEstimateUnchangedStops(t *testing.T) {
	// Cross-account duplicates: raw count 20 meets the proportional
	// target for batch 20, so the re-estimate equals the current hours
	// and the loop stops even though only 12 unique records exist.
	a1 := &stubSource{respond: func(int, source.Query) ([]mail.Message, error) {
		return seqMessages("s", 12, testNow.Add(-time.Hour)), nil
	}}
	a2 := &stubSource{respond: func(int, source.Query) ([]mail.Message, error) {
		return seqMessages("s", 8, testNow.Add(-time.Hour)), nil
	}}

	dir := &stubDirectory{accounts: []mail.Account{testAccount("a1"), testAccount("a2")}}
	pats := &stubPatterns{}
	opener := &stubOpener{sources: map[string]source.Source{"a1": a1, "a2": a2}}

	e := newTestEngine(dir, pats, opener)
	res, err := e.FetchPage(context.Background(), Request{UserID: "u1", FolderID: mail.FolderInbox, BatchSize: 20})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	if res.AttemptsUsed != 1 {
		t.Errorf("AttemptsUsed = %d, want 1", res.AttemptsUsed)
	}
	if res.TotalCount != 12 {
		t.Errorf("TotalCount = %d, want 12", res.TotalCount)
	}
	if res.HasMore {
		t.Error("HasMore = true, want false")
	}
	assertUniqueIDs(t, res.Records)
	if a1.calls() != 1 || a2.calls() != 1 {
		t.Errorf("sources queried %d/%d times, want 1/1", a1.calls(), a2.calls())
	}
	if len(pats.saved) != 0 {
		t.Errorf("pattern saved on shortfall: %+v", pats.saved)
	}
}

func TestFetchPagePatternReadFailureUsesBaseline(t *testing.T) {
	src := &stubSource{respond: func(int, source.Query) ([]mail.Message, error) {
		return seqMessages("a", 50, testNow.Add(-time.Hour)), nil
	}}
	dir := &stubDirectory{accounts: []mail.Account{testAccount("a1")}}
	pats := &stubPatterns{readErr: errors.New("database is locked")}
	opener := &stubOpener{sources: map[string]source.Source{"a1": src}}

	e := newTestEngine(dir, pats, opener)
	res, err := e.FetchPage(context.Background(), Request{UserID: "u1", FolderID: mail.FolderInbox, BatchSize: 50})
	if err != nil {
		t.Fatalf("FetchPage should swallow pattern read failures, got %v", err)
	}

	q := src.query(0)
	if !q.Since.Equal(testNow.Add(-24 * time.Hour)) {
		t.Errorf("window since = %v, want baseline now-24h", q.Since)
	}
	if !res.HasMore || len(pats.saved) != 1 {
		t.Errorf("HasMore = %v, saved = %d; success path should persist", res.HasMore, len(pats.saved))
	}
}

func TestFetchPageSaveFailureSwallowed(t *testing.T) {
	src := &stubSource{respond: func(int, source.Query) ([]mail.Message, error) {
		return seqMessages("a", 50, testNow.Add(-time.Hour)), nil
	}}
	dir := &stubDirectory{accounts: []mail.Account{testAccount("a1")}}
	pats := &stubPatterns{saveErr: errors.New("disk full")}
	opener := &stubOpener{sources: map[string]source.Source{"a1": src}}

	e := newTestEngine(dir, pats, opener)
	res, err := e.FetchPage(context.Background(), Request{UserID: "u1", FolderID: mail.FolderInbox, BatchSize: 50})
	if err != nil {
		t.Fatalf("FetchPage should swallow pattern save failures, got %v", err)
	}
	if !res.HasMore || res.TotalCount != 50 {
		t.Errorf("result = %+v", res)
	}
}

func TestFetchPageSameOffsetEveryAttempt(t *testing.T) {
	// Ten duplicate-free records per attempt, never enough for the
	// batch: the loop widens twice and keeps BatchOffset 2 throughout.
	src := &stubSource{respond: func(int, source.Query) ([]mail.Message, error) {
		return seqMessages("p", 10, testNow.Add(-49*time.Hour)), nil
	}}
	dir := &stubDirectory{accounts: []mail.Account{testAccount("a1")}}
	pats := &stubPatterns{}
	opener := &stubOpener{sources: map[string]source.Source{"a1": src}}

	e := newTestEngine(dir, pats, opener)
	res, err := e.FetchPage(context.Background(), Request{UserID: "u1", FolderID: mail.FolderInbox, Page: 2, BatchSize: 50})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	// 24h -> ceil(24*50/10) = 120h -> ceil(120*50/10) = 600h.
	if res.AttemptsUsed != 3 {
		t.Errorf("AttemptsUsed = %d, want 3", res.AttemptsUsed)
	}
	if res.WindowHours != 600 {
		t.Errorf("WindowHours = %d, want 600", res.WindowHours)
	}
	if res.TotalCount != 10 {
		t.Errorf("TotalCount = %d, want 10", res.TotalCount)
	}

	wantWindows := []struct{ hours int }{{24}, {120}, {600}}
	for i, want := range wantWindows {
		q := src.query(i)
		span := time.Duration(want.hours) * time.Hour
		wantBefore := testNow.Add(-2 * span)
		wantSince := wantBefore.Add(-span)
		if !q.Before.Equal(wantBefore) || !q.Since.Equal(wantSince) {
			t.Errorf("attempt %d window = [%v, %v), want [%v, %v)", i+1, q.Since, q.Before, wantSince, wantBefore)
		}
	}
}

func TestFetchPageStableSort(t *testing.T) {
	t0 := testNow.Add(-time.Hour)
	a := &stubSource{respond: func(int, source.Query) ([]mail.Message, error) {
		return []mail.Message{
			{ID: "a1", Timestamp: t0},
			{ID: "a2", Timestamp: t0.Add(-2 * time.Minute)},
		}, nil
	}}
	b := &stubSource{respond: func(int, source.Query) ([]mail.Message, error) {
		return []mail.Message{
			{ID: "b1", Timestamp: t0},
			{ID: "b2", Timestamp: t0.Add(-time.Minute)},
		}, nil
	}}

	dir := &stubDirectory{accounts: []mail.Account{testAccount("a"), testAccount("b")}}
	opener := &stubOpener{sources: map[string]source.Source{"a": a, "b": b}}

	e := newTestEngine(dir, &stubPatterns{}, opener)
	res, err := e.FetchPage(context.Background(), Request{UserID: "u1", FolderID: mail.FolderInbox})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	// Equal timestamps keep arrival order: a1 before b1.
	want := []string{"a1", "b1", "b2", "a2"}
	if len(res.Records) != len(want) {
		t.Fatalf("got %d records, want %d", len(res.Records), len(want))
	}
	for i, id := range want {
		if res.Records[i].ID != id {
			t.Errorf("records[%d] = %s, want %s", i, res.Records[i].ID, id)
		}
	}
}

func TestFetchPageNormalizesRequest(t *testing.T) {
	src := &stubSource{}
	dir := &stubDirectory{accounts: []mail.Account{testAccount("a1")}}
	opener := &stubOpener{sources: map[string]source.Source{"a1": src}}

	e := newTestEngine(dir, &stubPatterns{}, opener)
	if _, err := e.FetchPage(context.Background(), Request{UserID: "u1", Page: -3}); err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	q := src.query(0)
	if !q.Before.Equal(testNow) {
		t.Errorf("negative page should normalize to offset 0; before = %v", q.Before)
	}
	if q.Limit != DefaultBatchSize {
		t.Errorf("Limit = %d, want default %d", q.Limit, DefaultBatchSize)
	}
	if q.Folder != "" {
		t.Errorf("Folder = %q, want empty (all mail)", q.Folder)
	}
}
