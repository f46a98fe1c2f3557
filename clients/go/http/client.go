// Package http provides an HTTP client for the regionflagz service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	regionflagz "github.com/matt-riley/regionflagz/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the regionflagz server, e.g. "http://localhost:8080".
	BaseURL string
	// Token is the operator bearer token in "id.secret" format. Reads work
	// without one unless the server requires it.
	Token string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements regionflagz.ValueReader, regionflagz.Watcher and
// regionflagz.RegionManager over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var (
	_ regionflagz.ValueReader   = (*Client)(nil)
	_ regionflagz.Watcher       = (*Client)(nil)
	_ regionflagz.RegionManager = (*Client)(nil)
)

// NewHTTPClient returns a new HTTP client for the regionflagz service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireFlag struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type wireValue struct {
	Player string `json:"player"`
	Flag   string `json:"flag"`
	Type   string `json:"type"`
	Value  any    `json:"value"`
}

type wireRegion struct {
	Dimension string         `json:"dimension"`
	ID        string         `json:"id"`
	Priority  int            `json:"priority"`
	Min       [3]float64     `json:"min"`
	Max       [3]float64     `json:"max"`
	Global    bool           `json:"global,omitempty"`
	Flags     map[string]any `json:"flags,omitempty"`
}

type wireError struct {
	Error string `json:"error"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("regionflagz: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("regionflagz: create request: %w", err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("regionflagz: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, newAPIError(resp)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("regionflagz: decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("regionflagz: HTTP %d: %s", e.StatusCode, e.Message)
}

func newAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	msg := strings.TrimSpace(string(raw))
	var we wireError
	if json.Unmarshal(raw, &we) == nil && we.Error != "" {
		msg = we.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func regionPath(dimension, id string) string {
	return "/v1/regions/" + url.PathEscape(dimension) + "/" + url.PathEscape(id)
}

func valuePath(player, flag string) string {
	return "/v1/players/" + url.PathEscape(player) + "/flags/" + url.PathEscape(flag)
}

func decodeValue(wv wireValue) regionflagz.Value {
	return regionflagz.Value{
		Player:  wv.Player,
		Flag:    wv.Flag,
		Type:    wv.Type,
		Present: wv.Value != nil,
		Value:   wv.Value,
	}
}

// -- reads -------------------------------------------------------------------

// ListFlags returns the flags registered on the server.
func (c *Client) ListFlags(ctx context.Context) ([]regionflagz.Flag, error) {
	var out []wireFlag
	if err := c.getJSON(ctx, "/v1/flags", &out); err != nil {
		return nil, err
	}
	flags := make([]regionflagz.Flag, len(out))
	for i, f := range out {
		flags[i] = regionflagz.Flag{Name: f.Name, Type: f.Type}
	}
	return flags, nil
}

func (c *Client) GetValue(ctx context.Context, player, flag string) (regionflagz.Value, error) {
	var out wireValue
	if err := c.getJSON(ctx, valuePath(player, flag), &out); err != nil {
		return regionflagz.Value{}, err
	}
	return decodeValue(out), nil
}

func (c *Client) ListRegions(ctx context.Context) ([]regionflagz.Region, error) {
	var out []wireRegion
	if err := c.getJSON(ctx, "/v1/regions", &out); err != nil {
		return nil, err
	}
	regions := make([]regionflagz.Region, len(out))
	for i, r := range out {
		regions[i] = regionflagz.Region(r)
	}
	return regions, nil
}

// -- RegionManager -----------------------------------------------------------

func (c *Client) PutRegion(ctx context.Context, region regionflagz.Region) error {
	body := struct {
		Priority int        `json:"priority"`
		Min      [3]float64 `json:"min"`
		Max      [3]float64 `json:"max"`
	}{region.Priority, region.Min, region.Max}
	return c.send(ctx, http.MethodPut, regionPath(region.Dimension, region.ID), body)
}

func (c *Client) DeleteRegion(ctx context.Context, dimension, id string) error {
	return c.send(ctx, http.MethodDelete, regionPath(dimension, id), nil)
}

func (c *Client) SetRegionFlag(ctx context.Context, dimension, id, flag string, value any) error {
	body := map[string]any{"value": value}
	return c.send(ctx, http.MethodPut, regionPath(dimension, id)+"/flags/"+url.PathEscape(flag), body)
}

func (c *Client) UnsetRegionFlag(ctx context.Context, dimension, id, flag string) error {
	return c.send(ctx, http.MethodDelete, regionPath(dimension, id)+"/flags/"+url.PathEscape(flag), nil)
}

// -- Watcher -----------------------------------------------------------------

// Watch connects to the value stream of player and flag. The first update
// is the current value. When the server ends the stream because the player
// disconnected, the last update carries regionflagz.ErrPlayerDisconnected.
func (c *Client) Watch(ctx context.Context, player, flag string) (<-chan regionflagz.Update, error) {
	req, err := c.newRequest(ctx, http.MethodGet, valuePath(player, flag)+"/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("regionflagz: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, newAPIError(resp)
	}

	ch := make(chan regionflagz.Update, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		parseSSE(ctx, bufio.NewReaderSize(resp.Body, 1<<16), ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed updates to ch. It handles
// the subset of the SSE format the server emits: id, event and data fields,
// comment lines, blank-line dispatch and multi-line data.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- regionflagz.Update) {
	var (
		eventType string
		dataLines []string
	)

	emit := func(u regionflagz.Update) bool {
		select {
		case ch <- u:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if eventType == "closed" {
				emit(regionflagz.Update{Err: regionflagz.ErrPlayerDisconnected})
				return
			}
			if len(dataLines) > 0 && (eventType == "" || eventType == "value") {
				var wv wireValue
				u := regionflagz.Update{}
				if jsonErr := json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &wv); jsonErr != nil {
					u.Err = fmt.Errorf("regionflagz: decode event: %w", jsonErr)
				} else {
					u.Value = decodeValue(wv)
				}
				if !emit(u) {
					return
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, ":"):
			// comment, used for heartbeats
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(line, "data:")
			dataLines = append(dataLines, strings.TrimPrefix(data, " "))
		}

		if err != nil {
			return
		}
	}
}
