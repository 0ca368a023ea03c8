package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"fieldops/internal/config"
	"fieldops/internal/model"
	"fieldops/internal/normalize"
)

// HTTPFeed is the thin client for one registry. The feed URL either contains
// an {id} placeholder or receives the identifier as the building_id query
// parameter. The body is a JSON array of records, optionally wrapped in a
// "data" or "records" field. A row that is not an object becomes an
// UndecodableRecord and is counted as malformed downstream.
type HTTPFeed struct {
	authority model.SourceAuthority
	url       string
	client    *resty.Client
}

func NewHTTPFeed(authority model.SourceAuthority, cfg config.FeedConfig) (*HTTPFeed, error) {
	if !authority.Valid() {
		return nil, fmt.Errorf("unknown source authority %q", authority)
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%s feed url required", authority)
	}
	client := resty.New().
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &HTTPFeed{authority: authority, url: cfg.URL, client: client}, nil
}

func (f *HTTPFeed) Authority() model.SourceAuthority {
	return f.authority
}

func (f *HTTPFeed) Fetch(ctx context.Context, identifier string) ([]normalize.RawRecord, error) {
	req := f.client.R().SetContext(ctx)
	target := f.url
	if strings.Contains(target, "{id}") {
		target = strings.ReplaceAll(target, "{id}", url.PathEscape(identifier))
	} else {
		req.SetQueryParam("building_id", identifier)
	}
	resp, err := req.Get(target)
	if err != nil {
		return nil, fmt.Errorf("%s feed: %w", f.authority, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%s feed: unexpected status %d", f.authority, resp.StatusCode())
	}
	rows, err := decodeFeedBody(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("%s feed: %w", f.authority, err)
	}
	out := make([]normalize.RawRecord, 0, len(rows))
	for i, row := range rows {
		var obj map[string]any
		if err := json.Unmarshal(row, &obj); err != nil || obj == nil {
			if err == nil {
				err = errors.New("null row")
			}
			out = append(out, normalize.UndecodableRecord{
				Source: f.authority,
				Err:    fmt.Errorf("row %d: %w", i, err),
			})
			continue
		}
		rec, err := normalize.DecodeRecord(f.authority, obj)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeFeedBody(body []byte) ([]json.RawMessage, error) {
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		return nil, nil
	}
	if trim[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trim, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var wrapped struct {
		Data    []json.RawMessage `json:"data"`
		Records []json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(trim, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Data == nil && wrapped.Records == nil {
		return nil, errors.New("response has no data or records array")
	}
	return append(wrapped.Data, wrapped.Records...), nil
}
