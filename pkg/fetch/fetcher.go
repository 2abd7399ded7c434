// Package fetch drives source-specific pagination protocols on top of the
// retrying HTTP client, producing raw records in server-returned order.
// Two variants exist behind one interface: cursor-based and offset-based.
// Adding a pagination style means adding a variant, not a subclass per source.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Style selects the pagination protocol for a source.
type Style string

const (
	// StyleCursor walks opaque next-cursor tokens.
	StyleCursor Style = "cursor"

	// StyleOffset pages by numeric offset and fixed page size.
	StyleOffset Style = "offset"
)

// Defaults applied by the fetcher constructors.
const (
	DefaultPageSize   = 100
	DefaultMaxPages   = 10000
	DefaultSinceParam = "since"
)

// RawRecord is one untyped record plus fetch metadata. Immutable once
// produced.
type RawRecord struct {
	// Source identifies the originating source.
	Source string

	// Fields is the raw structured payload.
	Fields map[string]any

	// FetchedAt is when the record's page was received (UTC).
	FetchedAt time.Time

	// PageCursor is the pagination position the record was fetched at
	// (cursor token, or "offset=N" for offset-style sources).
	PageCursor string
}

// EmitFunc receives records one at a time, in server order. Returning an
// error aborts the fetch.
type EmitFunc func(RawRecord) error

// Fetcher produces the finite, ordered sequence of raw records for one run.
// Resumption across runs is the caller's responsibility via since.
type Fetcher interface {
	// FetchAll streams every record. since is an optional incremental
	// watermark forwarded to the API; empty means full extraction.
	FetchAll(ctx context.Context, since string, emit EmitFunc) error
}

// PaginationError signals an API pagination contract break: a repeated
// cursor, malformed pagination fields, or a page count past the guard.
// Fatal to the run.
type PaginationError struct {
	Source string
	Page   int
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *PaginationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pagination error for %s at page %d: %s: %v",
			e.Source, e.Page, e.Reason, e.Err)
	}
	return fmt.Sprintf("pagination error for %s at page %d: %s",
		e.Source, e.Page, e.Reason)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PaginationError) Unwrap() error {
	return e.Err
}

// Config holds pagination configuration for one source.
type Config struct {
	// Source is the source identifier carried on every record.
	Source string

	// BaseURL is the API base URL.
	BaseURL string

	// Endpoint is the resource path, joined to BaseURL.
	Endpoint string

	// PageSize is the offset-style page size. Ignored by cursor fetchers.
	PageSize int

	// MaxPages guards against infinite pagination loops.
	MaxPages int

	// SinceParam names the query parameter the incremental watermark is
	// sent as (e.g. updated_since, modified_after).
	SinceParam string
}

// validate fills defaults and checks required fields.
func (c *Config) validate() error {
	if c.Source == "" {
		return errors.New("source is required")
	}
	if c.BaseURL == "" {
		return errors.New("base URL is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.SinceParam == "" {
		c.SinceParam = DefaultSinceParam
	}
	return nil
}

// pageURL builds the request URL for one page.
func (c *Config) pageURL(params url.Values) string {
	base := strings.TrimRight(c.BaseURL, "/")
	endpoint := "/" + strings.TrimLeft(c.Endpoint, "/")
	if len(params) == 0 {
		return base + endpoint
	}
	return base + endpoint + "?" + params.Encode()
}
