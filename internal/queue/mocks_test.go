package queue_test

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/lockdownpark/parkbus/internal/deadletter"
	"github.com/lockdownpark/parkbus/internal/queue"
)

type mockSink struct{ mock.Mock }

func (m *mockSink) Record(ctx context.Context, body []byte) error {
	return m.Called(ctx, body).Error(0)
}

type mockDirectory struct{ mock.Mock }

func (m *mockDirectory) Staff(ctx context.Context, id string) (queue.Staff, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(queue.Staff), args.Error(1)
}

func (m *mockDirectory) AllStaff(ctx context.Context) ([]queue.Staff, error) {
	args := m.Called(ctx)
	staff, _ := args.Get(0).([]queue.Staff)
	return staff, args.Error(1)
}

func (m *mockDirectory) Guest(ctx context.Context, id int64) (queue.Guest, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(queue.Guest), args.Error(1)
}

type mockChat struct{ mock.Mock }

func (m *mockChat) Send(ctx context.Context, chatID, text string) error {
	return m.Called(ctx, chatID, text).Error(0)
}

type mockMail struct{ mock.Mock }

func (m *mockMail) Send(ctx context.Context, to, subject, body string) error {
	return m.Called(ctx, to, subject, body).Error(0)
}

type dropLog struct {
	mu      sync.Mutex
	entries []deadletter.Entry
}

func (d *dropLog) Record(_ context.Context, e deadletter.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, e)
	return nil
}

func (d *dropLog) Entries() []deadletter.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]deadletter.Entry(nil), d.entries...)
}

type fixture struct {
	errorSink  *mockSink
	accessSink *mockSink
	dir        *mockDirectory
	chat       *mockChat
	mail       *mockMail
	drops      *dropLog
	dispatcher *queue.Dispatcher
}

func newFixture() *fixture {
	f := &fixture{
		errorSink:  &mockSink{},
		accessSink: &mockSink{},
		dir:        &mockDirectory{},
		chat:       &mockChat{},
		mail:       &mockMail{},
		drops:      &dropLog{},
	}
	d, err := queue.NewDispatcher(queue.Deps{
		ErrorSink:  f.errorSink,
		AccessSink: f.accessSink,
		Directory:  f.dir,
		Chat:       f.chat,
		Mail:       f.mail,
		Drops:      f.drops,
	})
	if err != nil {
		panic(err)
	}
	f.dispatcher = d
	return f
}
