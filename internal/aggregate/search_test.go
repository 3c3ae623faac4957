package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mailmux/mailmux/internal/mail"
	"github.com/mailmux/mailmux/internal/source"
)

func TestSearchPaginatesMergedResults(t *testing.T) {
	t0 := testNow.Add(-time.Hour)
	a := &stubSource{respond: func(_ int, q source.Query) ([]mail.Message, error) {
		return []mail.Message{
			{ID: "x-0", Timestamp: t0},
			{ID: "x-1", Timestamp: t0.Add(-60 * time.Second)},
			{ID: "x-2", Timestamp: t0.Add(-120 * time.Second)},
			{ID: "x-3", Timestamp: t0.Add(-180 * time.Second)},
		}, nil
	}}
	b := &stubSource{respond: func(_ int, q source.Query) ([]mail.Message, error) {
		return []mail.Message{
			{ID: "x-0", Timestamp: t0}, // duplicate of a's newest
			{ID: "y-0", Timestamp: t0.Add(-90 * time.Second)},
			{ID: "y-1", Timestamp: t0.Add(-150 * time.Second)},
		}, nil
	}}

	dir := &stubDirectory{accounts: []mail.Account{testAccount("a"), testAccount("b")}}
	opener := &stubOpener{sources: map[string]source.Source{"a": a, "b": b}}
	e := newTestEngine(dir, &stubPatterns{}, opener)

	res, err := e.Search(context.Background(), SearchRequest{
		UserID: "u1", FolderID: mail.FolderInbox, Query: "invoice", Page: 0, PageSize: 2,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.TotalCount != 6 {
		t.Errorf("TotalCount = %d, want 6 after dedup", res.TotalCount)
	}
	if len(res.Records) != 2 || res.Records[0].ID != "x-0" || res.Records[1].ID != "x-1" {
		t.Errorf("page 0 = %v, want [x-0 x-1]", res.Records)
	}
	if !res.HasMore {
		t.Error("page 0 HasMore = false, want true")
	}

	q := a.query(0)
	if q.Text != "invoice" || q.Folder != mail.FolderInbox {
		t.Errorf("query = %+v", q)
	}
	if !q.Since.IsZero() || !q.Before.IsZero() {
		t.Errorf("search query carries a window: %+v", q)
	}

	res, err = e.Search(context.Background(), SearchRequest{
		UserID: "u1", FolderID: mail.FolderInbox, Query: "invoice", Page: 2, PageSize: 2,
	})
	if err != nil {
		t.Fatalf("Search page 2: %v", err)
	}
	if len(res.Records) != 2 || res.Records[0].ID != "y-1" || res.Records[1].ID != "x-3" {
		t.Errorf("page 2 = %v, want [y-1 x-3]", res.Records)
	}
	if res.HasMore {
		t.Error("last page HasMore = true, want false")
	}

	res, err = e.Search(context.Background(), SearchRequest{
		UserID: "u1", FolderID: mail.FolderInbox, Query: "invoice", Page: 5, PageSize: 2,
	})
	if err != nil {
		t.Fatalf("Search page 5: %v", err)
	}
	if len(res.Records) != 0 || res.HasMore {
		t.Errorf("past-the-end page = %+v, want empty", res)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	e := newTestEngine(&stubDirectory{}, &stubPatterns{}, &stubOpener{})
	if _, err := e.Search(context.Background(), SearchRequest{UserID: "u1"}); err == nil {
		t.Error("expected error for missing query")
	}
	if _, err := e.Search(context.Background(), SearchRequest{Query: "x"}); err == nil {
		t.Error("expected error for missing user id")
	}
}

func TestSearchZeroAccounts(t *testing.T) {
	e := newTestEngine(&stubDirectory{}, &stubPatterns{}, &stubOpener{})
	res, err := e.Search(context.Background(), SearchRequest{UserID: "u1", Query: "invoice"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.TotalCount != 0 || len(res.Records) != 0 || res.HasMore {
		t.Errorf("result = %+v, want empty", res)
	}
	if res.PageSize != DefaultPageSize {
		t.Errorf("PageSize = %d, want default %d", res.PageSize, DefaultPageSize)
	}
}

func TestSearchIsolatesAccountFailure(t *testing.T) {
	healthy := &stubSource{respond: func(int, source.Query) ([]mail.Message, error) {
		return seqMessages("h", 2, testNow.Add(-time.Hour)), nil
	}}
	failing := &stubSource{respond: func(int, source.Query) ([]mail.Message, error) {
		return nil, errors.New("timeout")
	}}

	dir := &stubDirectory{accounts: []mail.Account{testAccount("ok"), testAccount("bad")}}
	opener := &stubOpener{sources: map[string]source.Source{"ok": healthy, "bad": failing}}
	e := newTestEngine(dir, &stubPatterns{}, opener)

	res, err := e.Search(context.Background(), SearchRequest{UserID: "u1", Query: "report"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.TotalCount != 2 || len(res.Records) != 2 {
		t.Errorf("result = %+v, want the healthy account's 2 records", res)
	}
}
