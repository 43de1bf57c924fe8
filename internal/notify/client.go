// Package notify talks to the HTTP collaborators of the dispatcher: the log
// sinks, the staff and guest services, the mail service and the Telegram
// bot API.  Every failure is reported as ErrCollaboratorUnavailable (or
// ErrNotFound for a missing record) and is never retried here.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lockdownpark/parkbus/internal/queue"
)

var (
	// ErrCollaboratorUnavailable covers transport errors, timeouts and
	// unexpected status codes.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	// ErrNotFound is the directory's "no such record".
	ErrNotFound = queue.ErrNotFound
)

// NewHTTPClient returns the client shared by every collaborator.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// endpoint is a collaborator URL plus the form of it that is safe to log.
type endpoint struct {
	url     string
	display string
}

func plain(url string) endpoint { return endpoint{url: url, display: url} }

func postJSON(ctx context.Context, c *http.Client, ep endpoint, body []byte, hdr http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", ep.display, err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", ErrCollaboratorUnavailable, ep.display, scrub(err, ep))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: POST %s: status %d: %s", ErrCollaboratorUnavailable, ep.display, resp.StatusCode, snippet(resp.Body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func getJSON(ctx context.Context, c *http.Client, ep endpoint, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.url, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", ep.display, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %v", ErrCollaboratorUnavailable, ep.display, scrub(err, ep))
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: GET %s", ErrNotFound, ep.display)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: GET %s: status %d: %s", ErrCollaboratorUnavailable, ep.display, resp.StatusCode, snippet(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: GET %s: decode: %v", ErrCollaboratorUnavailable, ep.display, err)
	}
	return nil
}

func snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}

// scrub removes the raw URL from transport errors, which quote it.
func scrub(err error, ep endpoint) string {
	if ep.url == ep.display {
		return err.Error()
	}
	return strings.ReplaceAll(err.Error(), ep.url, ep.display)
}

func join(base string, parts ...string) string {
	out := strings.TrimRight(base, "/")
	for _, p := range parts {
		out += "/" + p
	}
	return out
}
