// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rss

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go"
)

const (
	maxFeedBytes      = 8 << 20 // 8 MiB cap per feed document
	fetchRetries      = 3
	fetchRetryBackoff = 2 * time.Second
)

// FeedItem is one entry parsed out of a feed document.
type FeedItem struct {
	Title       string
	Link        string
	PublishedAt *time.Time
	SizeBytes   int64
	Seeders     int
	Leechers    int
}

// rssDocument is the wire shape of an RSS 2.0 feed, with the Torznab attr
// extension many release feeds carry.
type rssDocument struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title     string `xml:"title"`
	Link      string `xml:"link"`
	PubDate   string `xml:"pubDate"`
	Size      string `xml:"size"`
	Enclosure struct {
		URL    string `xml:"url,attr"`
		Length string `xml:"length,attr"`
	} `xml:"enclosure"`
	Attrs []struct {
		Name  string `xml:"name,attr"`
		Value string `xml:"value,attr"`
	} `xml:"attr"`
}

// Fetcher retrieves and parses feed documents. Fetches are retried a few
// times with backoff before the feed check is declared failed.
type Fetcher struct {
	httpClient *http.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{httpClient: &http.Client{Timeout: timeout}}
}

// Fetch downloads and parses the feed at url.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]FeedItem, error) {
	var body []byte

	err := retry.Do(
		func() error {
			var fetchErr error
			body, fetchErr = f.fetchOnce(ctx, url)
			return fetchErr
		},
		retry.Attempts(fetchRetries),
		retry.Delay(fetchRetryBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}

	return parseFeed(body)
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/xml, text/xml")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read feed body: %w", err)
	}
	if int64(len(body)) > maxFeedBytes {
		return nil, fmt.Errorf("feed document exceeds %d bytes", int64(maxFeedBytes))
	}
	return body, nil
}

func parseFeed(body []byte) ([]FeedItem, error) {
	var doc rssDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse feed xml: %w", err)
	}

	items := make([]FeedItem, 0, len(doc.Channel.Items))
	for _, raw := range doc.Channel.Items {
		if raw.Title == "" {
			continue
		}

		item := FeedItem{
			Title: raw.Title,
			Link:  raw.Link,
		}
		if item.Link == "" {
			item.Link = raw.Enclosure.URL
		}

		if raw.PubDate != "" {
			if t, err := time.Parse(time.RFC1123Z, raw.PubDate); err == nil {
				item.PublishedAt = &t
			} else if t, err := time.Parse(time.RFC1123, raw.PubDate); err == nil {
				item.PublishedAt = &t
			}
		}

		if raw.Size != "" {
			if size, err := strconv.ParseInt(raw.Size, 10, 64); err == nil {
				item.SizeBytes = size
			}
		}
		if item.SizeBytes == 0 && raw.Enclosure.Length != "" {
			if size, err := strconv.ParseInt(raw.Enclosure.Length, 10, 64); err == nil {
				item.SizeBytes = size
			}
		}

		for _, attr := range raw.Attrs {
			switch attr.Name {
			case "seeders":
				if v, err := strconv.Atoi(attr.Value); err == nil {
					item.Seeders = v
				}
			case "peers", "leechers":
				if v, err := strconv.Atoi(attr.Value); err == nil {
					item.Leechers = v
				}
			case "size":
				if item.SizeBytes == 0 {
					if v, err := strconv.ParseInt(attr.Value, 10, 64); err == nil {
						item.SizeBytes = v
					}
				}
			}
		}

		items = append(items, item)
	}

	return items, nil
}
