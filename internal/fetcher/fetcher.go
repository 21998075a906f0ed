package fetcher

import (
	"context"
	"errors"
)

type CrawlMechanism int

const (
	Curl CrawlMechanism = iota
	HeadlessBrowser
)

func (m CrawlMechanism) String() string {
	return [...]string{"curl", "headless browser"}[m]
}

var (
	ErrNavigation = errors.New("navigation failed")
	ErrEmptyPage  = errors.New("page is empty")
	ErrLaunch     = errors.New("browser launch failed")
	ErrTooLarge   = errors.New("response body exceeds the size limit")
)

// RawNetworkResource is a response observed while a page was loading.
type RawNetworkResource struct {
	URL         string
	ContentType string
	Body        []byte
	Status      int
}

type PageResult struct {
	URL       string
	HTML      string
	Resources []RawNetworkResource
}

// PageFetcher loads a page and returns its rendered HTML together with the
// network responses seen during the load. Errors wrap ErrNavigation or
// ErrEmptyPage.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*PageResult, error)
}

type Asset struct {
	Body        []byte `json:"body"`
	ContentType string `json:"content_type"`
}

type AssetFetcher interface {
	FetchBytes(ctx context.Context, url string) (*Asset, error)
}

// Session is a launched fetching backend. It is used by one job at a time.
type Session interface {
	PageFetcher
	Close() error
}

type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}
