package strategy

import (
	"context"
	"iter"

	"github.com/JakeFAU/postharvest/internal/harvest"
	"github.com/JakeFAU/postharvest/internal/invoker"
)

// PageFunc fetches one page with the credential chosen by the invoker.
type PageFunc func(ctx context.Context, cred harvest.Credential, req harvest.PageRequest) (harvest.Page, error)

// Pages lazily walks a paginated listing. Each page is one invoker call and
// is only requested when the consumer asks for it. Iteration stops at the
// first error, when maxResults posts were yielded, after maxPages pages, or
// when the listing has no further token. Non-positive bounds are unlimited.
func Pages(ctx context.Context, inv invoker.Doer, category string, maxResults, maxPages int, fetch PageFunc) iter.Seq2[harvest.Page, error] {
	return func(yield func(harvest.Page, error) bool) {
		collected := 0
		token := ""
		for pages := 0; maxPages <= 0 || pages < maxPages; pages++ {
			req := harvest.PageRequest{NextToken: token}
			if maxResults > 0 {
				req.MaxResults = maxResults - collected
			}
			page, err := invoker.Fetch(ctx, inv, category, func(ctx context.Context, cred harvest.Credential) (harvest.Page, *harvest.QuotaMeta, error) {
				p, err := fetch(ctx, cred, req)
				if err != nil {
					return harvest.Page{}, nil, err
				}
				return p, p.Quota, nil
			})
			if err != nil {
				yield(harvest.Page{}, err)
				return
			}
			if maxResults > 0 && len(page.Posts) > maxResults-collected {
				page.Posts = page.Posts[:maxResults-collected]
			}
			collected += len(page.Posts)
			if !yield(page, nil) {
				return
			}
			token = page.NextToken
			if token == "" || (maxResults > 0 && collected >= maxResults) {
				return
			}
		}
	}
}
