package aggregate

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/mailmux/mailmux/internal/mail"
	"github.com/mailmux/mailmux/internal/source"
)

// accountSource pairs an account with its opened source for the
// duration of one request.
type accountSource struct {
	account mail.Account
	src     source.Source
}

// AccountResult is one account's contribution to a fan-out. A failed
// account carries its error and an empty record list; it never aborts
// its siblings.
type AccountResult struct {
	Account mail.Account
	Records []mail.Message
	Err     error
}

// fanOut issues q against every source concurrently, bounded by
// concurrency, and waits for all of them to finish. Results are
// indexed in source order.
func fanOut(ctx context.Context, sources []accountSource, q source.Query, concurrency int) []AccountResult {
	results := make([]AccountResult, len(sources))
	sem := make(chan struct{}, concurrency)

	g, ctx := errgroup.WithContext(ctx)

	for i, s := range sources {
		i, s := i, s // Capture for goroutine

		g.Go(func() error {
			results[i].Account = s.account

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i].Err = ctx.Err()
				return nil
			}

			records, err := s.src.Query(ctx, q)
			if err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Records = records
			return nil
		})
	}

	// Workers never return errors; failures live in the results.
	_ = g.Wait()
	return results
}
