package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockdownpark/parkbus/internal/notify"
	"github.com/lockdownpark/parkbus/internal/queue"
)

type captured struct {
	method string
	path   string
	body   []byte
	ctype  string
	key    string
}

type calls struct {
	mu   sync.Mutex
	list []captured
}

func (c *calls) all() []captured {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]captured(nil), c.list...)
}

func server(t *testing.T, status int, response string) (*httptest.Server, *calls) {
	t.Helper()
	rec := &calls{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.list = append(rec.list, captured{method: r.Method, path: r.URL.Path, body: body, ctype: r.Header.Get("Content-Type"), key: r.Header.Get(notify.HeaderRoutingKey)})
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func client() *http.Client { return notify.NewHTTPClient(time.Second) }

func TestHTTPLogSink_ForwardsVerbatim(t *testing.T) {
	srv, rec := server(t, http.StatusCreated, `{"message":"Error log created successfully"}`)
	sink := notify.NewHTTPLogSink(client(), srv.URL+"/error")
	body := []byte(`{"service":"staff", "endpoint":"/x","error":"e"}`)

	require.NoError(t, sink.Record(context.Background(), body))

	require.Len(t, rec.all(), 1)
	c := rec.all()[0]
	assert.Equal(t, http.MethodPost, c.method)
	assert.Equal(t, "/error", c.path)
	assert.Equal(t, body, c.body)
	assert.Equal(t, "application/json", c.ctype)
	assert.Empty(t, c.key)
}

func TestHTTPLogSink_SendsRoutingKey(t *testing.T) {
	srv, rec := server(t, http.StatusCreated, `{}`)
	sink := notify.NewHTTPLogSink(client(), srv.URL+"/accesslogs")

	ctx := queue.WithRoutingKey(context.Background(), "enterpark.access")
	require.NoError(t, sink.Record(ctx, []byte(`{"guest_id":1,"type":"Success"}`)))

	require.Len(t, rec.all(), 1)
	assert.Equal(t, "enterpark.access", rec.all()[0].key)
}

func TestHTTPLogSink_Non2xxIsFailure(t *testing.T) {
	srv, _ := server(t, http.StatusBadRequest, `{"error":"Missing required fields"}`)
	sink := notify.NewHTTPLogSink(client(), srv.URL)

	err := sink.Record(context.Background(), []byte(`{}`))

	assert.ErrorIs(t, err, notify.ErrCollaboratorUnavailable)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "Missing required fields")
}

func TestHTTPLogSink_Unreachable(t *testing.T) {
	srv, _ := server(t, http.StatusCreated, "")
	srv.Close()
	sink := notify.NewHTTPLogSink(client(), srv.URL)

	assert.ErrorIs(t, sink.Record(context.Background(), []byte(`{}`)), notify.ErrCollaboratorUnavailable)
}

func TestTelegramNotifier(t *testing.T) {
	srv, rec := server(t, http.StatusOK, `{"ok":true}`)
	tg := notify.NewTelegramNotifier(client(), srv.URL+"/", "123:ABC")

	require.NoError(t, tg.Send(context.Background(), "555", "🎫 Your OTP is 1234!"))

	require.Len(t, rec.all(), 1)
	assert.Equal(t, "/bot123:ABC/sendMessage", rec.all()[0].path)
	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.all()[0].body, &got))
	assert.Equal(t, map[string]string{"chat_id": "555", "text": "🎫 Your OTP is 1234!"}, got)
}

func TestTelegramNotifier_ErrorsHideToken(t *testing.T) {
	srv, _ := server(t, http.StatusBadRequest, `{"ok":false,"description":"chat not found"}`)
	tg := notify.NewTelegramNotifier(client(), srv.URL, "secret-token")

	err := tg.Send(context.Background(), "1", "hi")

	assert.ErrorIs(t, err, notify.ErrCollaboratorUnavailable)
	assert.NotContains(t, err.Error(), "secret-token")
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegramNotifier_NoToken(t *testing.T) {
	tg := notify.NewTelegramNotifier(client(), "", "")

	assert.ErrorIs(t, tg.Send(context.Background(), "1", "hi"), notify.ErrCollaboratorUnavailable)
}

func TestHTTPMailNotifier(t *testing.T) {
	srv, rec := server(t, http.StatusOK, `{}`)
	mail := notify.NewHTTPMailNotifier(client(), srv.URL+"/email")

	require.NoError(t, mail.Send(context.Background(), "a@b.com", "Ticket Purchase Confirmation", "Your OTP is 1234!"))

	require.Len(t, rec.all(), 1)
	assert.JSONEq(t, `{"to":"a@b.com","subject":"Ticket Purchase Confirmation","message":"Your OTP is 1234!"}`, string(rec.all()[0].body))
}

func TestHTTPDirectory_Staff(t *testing.T) {
	srv, rec := server(t, http.StatusOK, `{"staff_id": 7, "staff_name": "Alice", "staff_tele": "alice", "chat_id": 777, "password": "x"}`)
	dir := notify.NewHTTPDirectory(client(), srv.URL+"/staff/", "")

	s, err := dir.Staff(context.Background(), "7")

	require.NoError(t, err)
	assert.Equal(t, "/staff/7", rec.all()[0].path)
	assert.Equal(t, queue.Staff{StaffID: "7", Name: "Alice", Tele: "alice", ChatID: "777"}, s)
}

func TestHTTPDirectory_StaffNotFound(t *testing.T) {
	srv, _ := server(t, http.StatusNotFound, `{"error":"Staff member not found"}`)
	dir := notify.NewHTTPDirectory(client(), srv.URL, "")

	_, err := dir.Staff(context.Background(), "9")

	assert.ErrorIs(t, err, notify.ErrNotFound)
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestHTTPDirectory_AllStaff(t *testing.T) {
	srv, _ := server(t, http.StatusOK, `[{"staff_id":1,"chat_id":111},{"staff_id":2,"chat_id":null}]`)
	dir := notify.NewHTTPDirectory(client(), srv.URL, "")

	all, err := dir.AllStaff(context.Background())

	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, queue.FlexString("111"), all[0].ChatID)
	assert.Empty(t, all[1].ChatID)
}

func TestHTTPDirectory_AllStaffEmpty(t *testing.T) {
	srv, _ := server(t, http.StatusNotFound, `[]`)
	dir := notify.NewHTTPDirectory(client(), srv.URL, "")

	all, err := dir.AllStaff(context.Background())

	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestHTTPDirectory_Guest(t *testing.T) {
	srv, rec := server(t, http.StatusOK, `{"guest":{"guest_id":42,"guest_email":"a@b.com","chat_id":555,"otp":"1234"}}`)
	dir := notify.NewHTTPDirectory(client(), "", srv.URL)

	g, err := dir.Guest(context.Background(), 42)

	require.NoError(t, err)
	assert.Equal(t, "/42", rec.all()[0].path)
	assert.Equal(t, queue.Guest{GuestID: "42", Email: "a@b.com", ChatID: "555", OTP: "1234"}, g)
}

func TestHTTPDirectory_GuestFailures(t *testing.T) {
	srv, _ := server(t, http.StatusOK, `{"otp":"1234"}`)
	_, err := notify.NewHTTPDirectory(client(), "", srv.URL).Guest(context.Background(), 1)
	assert.ErrorIs(t, err, notify.ErrCollaboratorUnavailable)

	srv, _ = server(t, http.StatusInternalServerError, `{"error":"Internal server error"}`)
	_, err = notify.NewHTTPDirectory(client(), "", srv.URL).Guest(context.Background(), 1)
	assert.ErrorIs(t, err, notify.ErrCollaboratorUnavailable)

	srv, _ = server(t, http.StatusOK, `not json`)
	_, err = notify.NewHTTPDirectory(client(), "", srv.URL).Guest(context.Background(), 1)
	assert.ErrorIs(t, err, notify.ErrCollaboratorUnavailable)
}
