package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, msg Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func TestDispatcherSendsRenderedMessage(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.MatchedBy(func(msg Message) bool {
		return msg.To == "alice@example.com" &&
			msg.Subject == "Your account has been locked" &&
			msg.HTML != ""
	})).Return(nil).Once()

	d := NewDispatcher(sender, nil)
	d.Notify(EventAccountLocked, Recipient{Username: "alice", Email: "alice@example.com", FirstName: "Alice"})
	d.Close()

	sender.AssertExpectations(t)
}

func TestDispatcherSwallowsSendErrors(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("smtp down")).Once()

	d := NewDispatcher(sender, nil)
	assert.NotPanics(t, func() {
		d.Notify(EventAccountUnlocked, Recipient{Username: "bob", Email: "bob@example.com"})
		d.Close()
	})
	sender.AssertExpectations(t)
}

type blockingSender struct {
	release chan struct{}
	mu      sync.Mutex
	sent    []Message
}

func (s *blockingSender) Send(ctx context.Context, msg Message) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func TestDispatcherDoesNotBlockCaller(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	d := NewDispatcher(sender, nil)

	done := make(chan struct{})
	go func() {
		d.Notify(EventRegistered, Recipient{Username: "carol", Email: "carol@example.com"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a slow sender")
	}

	close(sender.release)
	d.Close()
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "carol@example.com", sender.sent[0].To)
}

func TestDispatcherDropsAfterClose(t *testing.T) {
	sender := &mockSender{}
	d := NewDispatcher(sender, nil)
	d.Close()

	d.Notify(EventRegistered, Recipient{Username: "dave", Email: "dave@example.com"})
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestDispatcherSkipsMissingEmail(t *testing.T) {
	sender := &mockSender{}
	d := NewDispatcher(sender, nil)
	d.Notify(EventRegistered, Recipient{Username: "erin"})
	d.Close()
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestRenderPasswordReset(t *testing.T) {
	msg, err := render(EventPasswordReset, Recipient{Username: "frank", Email: "frank@example.com", TemporaryPassword: "abc123XYZ9"})
	require.NoError(t, err)
	assert.Equal(t, "frank@example.com", msg.To)
	assert.Contains(t, msg.HTML, "abc123XYZ9")
	assert.Contains(t, msg.HTML, "Hello frank")

	_, err = render(Event("nope"), Recipient{Email: "x@example.com"})
	assert.Error(t, err)
}
