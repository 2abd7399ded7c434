package fetch

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/datalift/ingest/pkg/client"
	"github.com/datalift/ingest/pkg/logging"
)

// offsetResponse is the expected page shape for offset-paginated sources:
//
//	{"items": [...], "total": 1000, "offset": 0, "limit": 100}
type offsetResponse struct {
	Items []map[string]any `json:"items"`
	Total int              `json:"total"`
}

// OffsetFetcher pages by numeric offset with a fixed page size, terminating
// on an empty page or once the fetched count reaches the reported total.
type OffsetFetcher struct {
	client *client.Client
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewOffsetFetcher creates an offset-based fetcher.
func NewOffsetFetcher(c *client.Client, cfg Config) (*OffsetFetcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &OffsetFetcher{
		client: c,
		cfg:    cfg,
		logger: logging.NewLogger("fetch").With().Str("source", cfg.Source).Logger(),
		now:    time.Now,
	}, nil
}

// FetchAll implements Fetcher.
func (f *OffsetFetcher) FetchAll(ctx context.Context, since string, emit EmitFunc) error {
	offset := 0
	page := 0
	fetched := 0
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
		params.Set("offset", strconv.Itoa(offset))
		params.Set("limit", strconv.Itoa(f.cfg.PageSize))

		f.logger.Debug().
			Int("page", page).
			Int("offset", offset).
			Int("limit", f.cfg.PageSize).
			Msg("Fetching page")

		var resp offsetResponse
		if err := f.client.GetJSON(ctx, f.cfg.pageURL(params), &resp); err != nil {
			return err
		}

		if resp.Total < 0 {
			return &PaginationError{
				Source: f.cfg.Source,
				Page:   page,
				Reason: "negative total in pagination response",
			}
		}

		if len(resp.Items) == 0 {
			break
		}

		fetchedAt := f.now().UTC()
		pageCursor := "offset=" + strconv.Itoa(offset)
		for _, fields := range resp.Items {
			if err := emit(RawRecord{
				Source:     f.cfg.Source,
				Fields:     fields,
				FetchedAt:  fetchedAt,
				PageCursor: pageCursor,
			}); err != nil {
				return err
			}
		}
		fetched += len(resp.Items)

		if resp.Total > 0 && fetched >= resp.Total {
			break
		}
		offset += f.cfg.PageSize
	}

	f.logger.Info().
		Str("step", "fetch").
		Int("pages", page).
		Int("row_count", fetched).
		Dur("duration", f.now().Sub(start)).
		Msg("Pagination complete")

	return nil
}
