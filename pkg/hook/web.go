package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Web is a webhook for before/after hooks.
type Web[T any, R any] struct {
	// BeforeURL is a list of URLs to call before processing the value T.
	//
	// The value T is sent as a JSON payload for each URL, in order.
	//
	// If and only if all of the URLs return a 2xx status code, the hook proceeds.
	// Otherwise, the hook fails.
	BeforeURL []*url.URL

	// AfterURL is a list of URLs to call after processing the value T.
	//
	// Semantics is same as BeforeURL.
	AfterURL []*url.URL

	// Merge combines JSON responses of BeforeURL.
	Merge func(a, b R) R

	// Client sends requests. If nil, http.DefaultClient is used.
	Client *http.Client
}

func (w Web[T, R]) client() *http.Client {
	if w.Client == nil {
		return http.DefaultClient
	}
	return w.Client
}

func (w Web[T, R]) sendRequest(ctx context.Context, url string, payload io.Reader) (R, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, payload)
	if err != nil {
		return *new(R), errors.Join(err, ErrHookFailed)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client().Do(req)
	if err != nil {
		return *new(R), errors.Join(err, ErrHookFailed)
	}
	defer resp.Body.Close()

	ctype := resp.Header.Get("Content-Type")
	if 200 <= resp.StatusCode && resp.StatusCode < 300 {
		if strings.HasPrefix(ctype, "application/json") {
			r := new(R)
			if err := json.NewDecoder(resp.Body).Decode(r); err != nil {
				return *r, errors.Join(err, ErrHookFailed)
			}
			return *r, nil
		}
		return *new(R), nil
	}

	if !strings.HasPrefix(ctype, "text/") && !(strings.HasPrefix(ctype, "application/") && strings.Contains(ctype, "json")) {
		return *new(R), fmt.Errorf(
			"%w (%s %d, Content-Type: %s)",
			ErrHookFailed, url, resp.StatusCode, ctype,
		)
	}

	body, _ := io.ReadAll(resp.Body)
	return *new(R), fmt.Errorf(
		"%w (%s %d, Content-Type: %s): %s",
		ErrHookFailed, url, resp.StatusCode, ctype, string(body),
	)
}

func (w Web[T, R]) hook(ctx context.Context, value T, urls []*url.URL) (R, error) {
	if len(urls) == 0 {
		return *new(R), nil
	}

	buf, err := json.Marshal(value)
	if err != nil {
		return *new(R), err
	}

	first, rest := urls[0], urls[1:]

	resp, err := w.sendRequest(ctx, first.String(), bytes.NewBuffer(buf))
	if err != nil {
		return *new(R), err
	}

	for _, url := range rest {
		r, err := w.sendRequest(ctx, url.String(), bytes.NewBuffer(buf))
		if err != nil {
			return *new(R), err
		}
		resp = w.Merge(resp, r)
	}

	return resp, nil
}

func (w Web[T, R]) Before(ctx context.Context, value T) (R, error) {
	return w.hook(ctx, value, w.BeforeURL)
}

func (w Web[T, R]) After(ctx context.Context, value T) error {
	_, err := w.hook(ctx, value, w.AfterURL)
	return err
}
