package fetch

import (
	"context"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/datalift/ingest/pkg/client"
	"github.com/datalift/ingest/pkg/logging"
)

// cursorResponse is the expected page shape for cursor-paginated sources:
//
//	{"data": [...], "meta": {"next_cursor": "..."}}
type cursorResponse struct {
	Data []map[string]any `json:"data"`
	Meta struct {
		NextCursor string `json:"next_cursor"`
	} `json:"meta"`
}

// CursorFetcher walks an opaque next-cursor chain. The first request carries
// no cursor; each response's next_cursor drives the following request.
// Termination: absent/empty next cursor, or an empty page. A repeated cursor
// or a page count past MaxPages is a protocol break.
type CursorFetcher struct {
	client *client.Client
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewCursorFetcher creates a cursor-based fetcher.
func NewCursorFetcher(c *client.Client, cfg Config) (*CursorFetcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &CursorFetcher{
		client: c,
		cfg:    cfg,
		logger: logging.NewLogger("fetch").With().Str("source", cfg.Source).Logger(),
		now:    time.Now,
	}, nil
}

// FetchAll implements Fetcher.
func (f *CursorFetcher) FetchAll(ctx context.Context, since string, emit EmitFunc) error {
	cursor := ""
	page := 0
	total := 0
	start := f.now()

	for {
		page++
		if page > f.cfg.MaxPages {
			return &PaginationError{
				Source: f.cfg.Source,
				Page:   page,
				Reason: "maximum page count exceeded",
			}
		}

		params := url.Values{}
		if since != "" {
			params.Set(f.cfg.SinceParam, since)
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		f.logger.Debug().
			Int("page", page).
			Str("cursor", cursor).
			Msg("Fetching page")

		var resp cursorResponse
		if err := f.client.GetJSON(ctx, f.cfg.pageURL(params), &resp); err != nil {
			return err
		}

		if len(resp.Data) == 0 {
			break
		}

		fetchedAt := f.now().UTC()
		for _, fields := range resp.Data {
			if err := emit(RawRecord{
				Source:     f.cfg.Source,
				Fields:     fields,
				FetchedAt:  fetchedAt,
				PageCursor: cursor,
			}); err != nil {
				return err
			}
		}
		total += len(resp.Data)

		next := resp.Meta.NextCursor
		if next == "" {
			break
		}
		if next == cursor {
			return &PaginationError{
				Source: f.cfg.Source,
				Page:   page,
				Reason: "cursor repeated, aborting to avoid infinite loop",
			}
		}
		cursor = next
	}

	f.logger.Info().
		Str("step", "fetch").
		Int("pages", page).
		Int("row_count", total).
		Dur("duration", f.now().Sub(start)).
		Msg("Pagination complete")

	return nil
}
