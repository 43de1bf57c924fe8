package queue_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lockdownpark/parkbus/internal/deadletter"
	"github.com/lockdownpark/parkbus/internal/queue"
)

func deliver(f *fixture, key, body string) queue.Outcome {
	return f.dispatcher.Dispatch(context.Background(), queue.Delivery{Queue: "test", RoutingKey: key, Body: []byte(body)})
}

func TestNewDispatcher_MissingDeps(t *testing.T) {
	_, err := queue.NewDispatcher(queue.Deps{ErrorSink: &mockSink{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access sink")
	assert.Contains(t, err.Error(), "mail notifier")
}

func TestDispatch_ErrorPathForAnyOrigin(t *testing.T) {
	body := `{"service":"svc","endpoint":"/x","error":"boom"}`
	for _, origin := range []string{"enterpark", "payment", "staff", "guest"} {
		t.Run(origin, func(t *testing.T) {
			f := newFixture()
			key := origin + ".error"
			withKey := mock.MatchedBy(func(ctx context.Context) bool { return queue.RoutingKeyFrom(ctx) == key })
			f.errorSink.On("Record", withKey, []byte(body)).Return(nil).Once()

			out := deliver(f, key, body)

			assert.False(t, out.Dropped())
			assert.Equal(t, queue.KindError, out.Kind)
			f.errorSink.AssertNumberOfCalls(t, "Record", 1)
			f.accessSink.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
			f.dir.AssertNotCalled(t, "Guest", mock.Anything, mock.Anything)
			f.chat.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestDispatch_ErrorSinkFailure(t *testing.T) {
	f := newFixture()
	f.errorSink.On("Record", mock.Anything, mock.Anything).Return(errors.New("status 500")).Once()

	out := deliver(f, "staff.error", `{"service":"staff","endpoint":"/","error":"x"}`)

	assert.True(t, out.Dropped())
	assert.Equal(t, deadletter.ReasonCollaborator, out.Reason)
	require.Len(t, f.drops.Entries(), 1)
	assert.Equal(t, "staff.error", f.drops.Entries()[0].RoutingKey)
}

func TestDispatch_AccessSuccessOnlyLogs(t *testing.T) {
	f := newFixture()
	body := `{"guest_id": 9, "type": "Success", "message": "Guest entered park"}`
	f.accessSink.On("Record", mock.Anything, []byte(body)).Return(nil).Once()

	out := deliver(f, "enterpark.access", body)

	assert.False(t, out.Dropped())
	f.accessSink.AssertExpectations(t)
	f.dir.AssertNotCalled(t, "AllStaff", mock.Anything)
}

func TestDispatch_FailedStaffFanOut(t *testing.T) {
	f := newFixture()
	body := `{"user_type":"staff","type":"Failed","user_id":7}`
	f.accessSink.On("Record", mock.Anything, []byte(body)).Return(nil).Once()
	f.dir.On("Staff", mock.Anything, "7").Return(queue.Staff{StaffID: "7", Name: "Alice"}, nil).Once()
	f.dir.On("AllStaff", mock.Anything).Return([]queue.Staff{
		{StaffID: "1", Name: "Bob", ChatID: "111"},
		{StaffID: "2", Name: "Carol"},
		{StaffID: "7", Name: "Alice", ChatID: "777"},
	}, nil).Once()
	f.chat.On("Send", mock.Anything, mock.Anything, mock.MatchedBy(func(text string) bool {
		return assert.Contains(t, text, "Alice")
	})).Return(nil)

	out := deliver(f, "logs.access", body)

	assert.False(t, out.Dropped())
	f.chat.AssertNumberOfCalls(t, "Send", 2)
	f.chat.AssertCalled(t, "Send", mock.Anything, "111", mock.Anything)
	f.chat.AssertCalled(t, "Send", mock.Anything, "777", mock.Anything)
	f.dir.AssertExpectations(t)
}

func TestDispatch_FailedStaffAlertsEvenWhenSinkFails(t *testing.T) {
	f := newFixture()
	f.accessSink.On("Record", mock.Anything, mock.Anything).Return(errors.New("sink down")).Once()
	f.dir.On("Staff", mock.Anything, "3").Return(queue.Staff{}, fmt.Errorf("%w: staff 3", queue.ErrNotFound)).Once()
	f.dir.On("AllStaff", mock.Anything).Return([]queue.Staff{{StaffID: "1", ChatID: "111"}}, nil).Once()
	f.chat.On("Send", mock.Anything, "111", "⚠️ Failed access attempt by staff #3: Invalid password").Return(nil).Once()

	out := deliver(f, "enterpark.access", `{"staff_id": 3, "type": "Failed", "message": "Invalid password"}`)

	assert.True(t, out.Dropped())
	assert.Equal(t, deadletter.ReasonCollaborator, out.Reason)
	f.chat.AssertExpectations(t)
}

func TestDispatch_StaffLookupFailureStopsAlerts(t *testing.T) {
	f := newFixture()
	f.accessSink.On("Record", mock.Anything, mock.Anything).Return(nil).Once()
	f.dir.On("Staff", mock.Anything, "7").Return(queue.Staff{}, errors.New("connection refused")).Once()

	out := deliver(f, "enterpark.access", `{"user_type":"staff","type":"Failed","user_id":7}`)

	assert.True(t, out.Dropped())
	f.dir.AssertNotCalled(t, "AllStaff", mock.Anything)
	f.chat.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_PaymentNotificationRoundTrip(t *testing.T) {
	f := newFixture()
	f.dir.On("Guest", mock.Anything, int64(42)).
		Return(queue.Guest{GuestID: "42", ChatID: "555", OTP: "1234", Email: "a@b.com"}, nil).Once()
	f.chat.On("Send", mock.Anything, "555", mock.Anything).Return(nil).Once()
	f.mail.On("Send", mock.Anything, "a@b.com", queue.MailSubjectTicket, mock.Anything).Return(nil).Once()

	out := deliver(f, "payment.notification", `{"guest_id": 42}`)

	assert.False(t, out.Dropped())
	assert.Equal(t, queue.KindNotification, out.Kind)
	f.chat.AssertNumberOfCalls(t, "Send", 1)
	f.mail.AssertNumberOfCalls(t, "Send", 1)
	text := f.chat.Calls[0].Arguments.String(2)
	assert.Equal(t, "🎫 Your OTP is 1234! Thanks for purchasing a ticket.", text)
	assert.Contains(t, f.mail.Calls[0].Arguments.String(3), "1234")
	f.errorSink.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
	f.accessSink.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
}

func TestDispatch_PaymentNotificationBareID(t *testing.T) {
	f := newFixture()
	f.dir.On("Guest", mock.Anything, int64(42)).Return(queue.Guest{Email: "a@b.com", OTP: "9"}, nil).Once()
	f.mail.On("Send", mock.Anything, "a@b.com", queue.MailSubjectTicket, "Your OTP is 9!").Return(nil).Once()

	out := deliver(f, "payment.notification", `42`)

	assert.False(t, out.Dropped())
	f.mail.AssertExpectations(t)
	f.chat.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_GuestLookupFailureStopsNotifications(t *testing.T) {
	f := newFixture()
	f.dir.On("Guest", mock.Anything, int64(42)).Return(queue.Guest{}, fmt.Errorf("%w: guest 42", queue.ErrNotFound)).Once()

	out := deliver(f, "payment.notification", `{"guest_id": 42}`)

	assert.True(t, out.Dropped())
	assert.Equal(t, deadletter.ReasonNotFound, out.Reason)
	f.chat.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	f.mail.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_GuestWithoutOTPGetsNoMessage(t *testing.T) {
	f := newFixture()
	f.dir.On("Guest", mock.Anything, int64(8)).Return(queue.Guest{ChatID: "1", Email: "g@x.io"}, nil).Once()

	out := deliver(f, "payment.notification", `{"guest_id": 8}`)

	assert.True(t, out.Dropped())
	assert.ErrorIs(t, out.Err, queue.ErrIncompleteRecord)
	assert.Equal(t, deadletter.ReasonIncomplete, out.Reason)
	f.chat.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	f.mail.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	require.Len(t, f.drops.Entries(), 1)
	assert.Equal(t, deadletter.ReasonIncomplete, f.drops.Entries()[0].Reason)
}

func TestDispatch_ChatFailureStillSendsMail(t *testing.T) {
	f := newFixture()
	f.dir.On("Guest", mock.Anything, int64(5)).Return(queue.Guest{ChatID: "1", Email: "g@x.io", OTP: "77"}, nil).Once()
	f.chat.On("Send", mock.Anything, "1", mock.Anything).Return(errors.New("telegram 400")).Once()
	f.mail.On("Send", mock.Anything, "g@x.io", mock.Anything, mock.Anything).Return(nil).Once()

	out := deliver(f, "payment.notification", `{"guest_id": 5}`)

	assert.True(t, out.Dropped())
	f.mail.AssertExpectations(t)
}

func TestDispatch_ParseErrorIsDropped(t *testing.T) {
	f := newFixture()

	out := deliver(f, "enterpark.error", `not json at all`)

	assert.True(t, out.Dropped())
	assert.ErrorIs(t, out.Err, queue.ErrMessageParse)
	assert.Equal(t, deadletter.ReasonParse, out.Reason)
	f.errorSink.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
	require.Len(t, f.drops.Entries(), 1)
	assert.Equal(t, "not json at all", f.drops.Entries()[0].Body)
}

func TestDispatch_UnknownKeyIsDropped(t *testing.T) {
	f := newFixture()

	out := deliver(f, "guest.notification", `{"guest_id": 1}`)

	assert.True(t, out.Dropped())
	assert.ErrorIs(t, out.Err, queue.ErrUnknownRoutingKey)
	assert.Equal(t, queue.KindUnknown, out.Kind)
	f.dir.AssertNotCalled(t, "Guest", mock.Anything, mock.Anything)
}

func TestDispatch_RecoversPanics(t *testing.T) {
	f := newFixture()
	f.errorSink.On("Record", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		panic("sink exploded")
	}).Return(nil)

	var out queue.Outcome
	assert.NotPanics(t, func() {
		out = deliver(f, "x.error", `{"service":"x","endpoint":"/","error":"e"}`)
	})
	assert.True(t, out.Dropped())
	assert.Equal(t, deadletter.ReasonPanic, out.Reason)
	assert.Len(t, f.drops.Entries(), 1)
}
