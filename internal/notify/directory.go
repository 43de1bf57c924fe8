package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/lockdownpark/parkbus/internal/queue"
)

// HTTPDirectory reads staff and guest records from their services.
type HTTPDirectory struct {
	client   *http.Client
	staffURL string
	guestURL string
}

func NewHTTPDirectory(client *http.Client, staffURL, guestURL string) *HTTPDirectory {
	return &HTTPDirectory{client: client, staffURL: staffURL, guestURL: guestURL}
}

// Staff fetches GET {staff}/{id}.
func (d *HTTPDirectory) Staff(ctx context.Context, id string) (queue.Staff, error) {
	var s queue.Staff
	if err := getJSON(ctx, d.client, plain(join(d.staffURL, url.PathEscape(id))), &s); err != nil {
		return queue.Staff{}, err
	}
	return s, nil
}

// AllStaff fetches GET {staff}.  The staff service answers 404 when there
// are no staff members, which is returned as an empty list.
func (d *HTTPDirectory) AllStaff(ctx context.Context) ([]queue.Staff, error) {
	var all []queue.Staff
	err := getJSON(ctx, d.client, plain(d.staffURL), &all)
	if errors.Is(err, ErrNotFound) {
		return []queue.Staff{}, nil
	}
	if err != nil {
		return nil, err
	}
	return all, nil
}

// Guest fetches GET {guest}/{id}, which wraps the record as {"guest": {...}}.
func (d *HTTPDirectory) Guest(ctx context.Context, id int64) (queue.Guest, error) {
	ep := plain(join(d.guestURL, strconv.FormatInt(id, 10)))
	var wrapper struct {
		Guest *queue.Guest `json:"guest"`
	}
	if err := getJSON(ctx, d.client, ep, &wrapper); err != nil {
		return queue.Guest{}, err
	}
	if wrapper.Guest == nil {
		return queue.Guest{}, fmt.Errorf("%w: GET %s: response has no guest", ErrCollaboratorUnavailable, ep.display)
	}
	return *wrapper.Guest, nil
}
