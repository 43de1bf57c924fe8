package notify

import (
	"context"
	"net/http"

	"github.com/lockdownpark/parkbus/internal/queue"
)

// HeaderRoutingKey carries the routing key of the forwarded event.
const HeaderRoutingKey = "X-Routing-Key"

// HTTPLogSink posts raw event bodies to a log service such as the error or
// access log endpoint.  Any 2xx counts as recorded.  The routing key of the
// message being dispatched, if any, is sent in HeaderRoutingKey.
type HTTPLogSink struct {
	client *http.Client
	url    string
}

func NewHTTPLogSink(client *http.Client, url string) *HTTPLogSink {
	return &HTTPLogSink{client: client, url: url}
}

func (s *HTTPLogSink) Record(ctx context.Context, body []byte) error {
	var hdr http.Header
	if key := queue.RoutingKeyFrom(ctx); key != "" {
		hdr = http.Header{HeaderRoutingKey: []string{key}}
	}
	return postJSON(ctx, s.client, plain(s.url), body, hdr)
}
