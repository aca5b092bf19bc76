package ui

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Krypt/internal/call"
	"Krypt/internal/core"
	"Krypt/pkg/interfaces"
)

type fakeSession struct {
	mu     sync.Mutex
	state  core.AppState
	calls  []string
	err    error
	events chan core.Event
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		state: core.AppState{
			Self: "me-uuid",
			Contacts: []interfaces.Contact{
				{UUID: "peer-1", Nickname: "Alice", PublicKey: "key"},
				{UUID: "peer-2"},
			},
			Unread: map[string]int{"peer-2": 3},
		},
		events: make(chan core.Event, 4),
	}
}

func (f *fakeSession) record(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.err
}

func (f *fakeSession) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSession) Identity() interfaces.Identity { return interfaces.Identity{UUID: "me-uuid"} }

func (f *fakeSession) State() core.AppState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Events() <-chan core.Event { return f.events }

func (f *fakeSession) AddContact(_ context.Context, peer, nick string) error {
	return f.record("add %s %s", peer, nick)
}

func (f *fakeSession) RenameContact(_ context.Context, peer, nick string) error {
	return f.record("rename %s %s", peer, nick)
}

func (f *fakeSession) DeleteContact(_ context.Context, peer string) error {
	return f.record("remove %s", peer)
}

func (f *fakeSession) OpenConversation(_ context.Context, peer string) error {
	f.mu.Lock()
	f.state.OpenPeer = peer
	f.state.Messages = []interfaces.Message{
		{ID: 1, ConversationID: peer, FromUUID: peer, Content: "hi there", CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{ID: 2, ConversationID: peer, FromUUID: "me-uuid", Content: "hello", IsSent: true, IsDelivered: true, CreatedAt: time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)},
	}
	f.mu.Unlock()
	return f.record("open %s", peer)
}

func (f *fakeSession) CloseConversation(_ context.Context, peer string) error {
	f.mu.Lock()
	f.state.OpenPeer = ""
	f.state.Messages = nil
	f.mu.Unlock()
	return f.record("close %s", peer)
}

func (f *fakeSession) SendText(_ context.Context, peer, text string) error {
	return f.record("text %s %s", peer, text)
}

func (f *fakeSession) SendFile(_ context.Context, peer, path string) error {
	return f.record("file %s %s", peer, path)
}

func (f *fakeSession) DeleteMessage(_ context.Context, id int64) error {
	return f.record("delete %d", id)
}

func (f *fakeSession) DeleteChat(_ context.Context, peer string) error {
	return f.record("clear %s", peer)
}

func (f *fakeSession) PostStatus(_ context.Context, text string) error {
	return f.record("status %s", text)
}

func (f *fakeSession) StartCall(peer string) error { return f.record("call %s", peer) }
func (f *fakeSession) AcceptCall() error           { return f.record("accept") }
func (f *fakeSession) EndCall() error              { return f.record("hangup") }

func run(t *testing.T, s *fakeSession, input string) string {
	t.Helper()
	var out bytes.Buffer
	chat := NewTUIChat(s, strings.NewReader(input), &out)
	require.NoError(t, chat.Run(context.Background()))
	return out.String()
}

func TestTUIChat_Commands(t *testing.T) {
	s := newFakeSession()
	out := run(t, s, strings.Join([]string{
		"/add peer-3 Bob Smith",
		"/rename alice Ally",
		"/msg Alice see you at noon",
		"/file peer-2 /tmp/photo one.jpg",
		"/delete 7",
		"/clear peer-2",
		"/status out for lunch",
		"/call Alice",
		"/accept",
		"/hangup",
		"/remove peer-2",
		"/quit",
		"/msg Alice never sent",
	}, "\n"))

	assert.Equal(t, []string{
		"add peer-3 Bob Smith",
		"rename peer-1 Ally",
		"text peer-1 see you at noon",
		"file peer-2 /tmp/photo one.jpg",
		"delete 7",
		"clear peer-2",
		"status out for lunch",
		"call peer-1",
		"accept",
		"hangup",
		"remove peer-2",
	}, s.recorded())
	assert.Contains(t, out, "Your id: me-uuid")
	assert.Contains(t, out, "Bye!")
}

func TestTUIChat_PlainTextGoesToOpenConversation(t *testing.T) {
	s := newFakeSession()
	out := run(t, s, "hello?\n/open Alice\nhow are you\n/close\n")

	assert.Contains(t, out, "No open conversation")
	assert.Contains(t, out, "Alice: hi there")
	assert.Contains(t, out, "You: hello ✓✓")
	assert.Equal(t, []string{"open peer-1", "text peer-1 how are you", "close peer-1"}, s.recorded())
}

func TestTUIChat_ReportsErrors(t *testing.T) {
	s := newFakeSession()
	s.err = fmt.Errorf("peer-1: %w", core.ErrMissingContactKey)
	out := run(t, s, "/msg peer-1 hi\n/delete abc\n/msg\n/bogus\n")

	assert.Contains(t, out, "Waiting for the contact's key")
	assert.Contains(t, out, "Message id must be a number")
	assert.Contains(t, out, "Usage: /msg <peer> <text>")
	assert.Contains(t, out, "Unknown command: /bogus")

	s.err = core.ErrNotSent
	out = run(t, s, "/status hi\n")
	assert.Contains(t, out, core.ErrNotSent.Error())
}

func TestTUIChat_LongLines(t *testing.T) {
	s := newFakeSession()
	pasted := strings.Repeat("p", 200*1024)
	huge := strings.Repeat("h", maxLine+10)
	out := run(t, s, "/status "+pasted+"\n"+huge+"\n/msg Alice still here\n")

	calls := s.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "status "+pasted, calls[0])
	assert.Equal(t, "text peer-1 still here", calls[1])
	assert.Contains(t, out, "was dropped")
}

func TestTUIChat_Contacts(t *testing.T) {
	s := newFakeSession()
	out := run(t, s, "/contacts\n")

	assert.Contains(t, out, "🔴 offline")
	assert.Contains(t, out, "🔑 Alice (peer-1)")
	assert.Contains(t, out, "⏳ "+interfaces.ShortID("peer-2")+" (peer-2) [3 unread]")
}

func TestTUIChat_PrintsEvents(t *testing.T) {
	s := newFakeSession()
	s.events <- core.Event{Type: core.EventMessageReceived, Peer: "peer-1", Text: "ping"}
	s.events <- core.Event{Type: core.EventIncomingCall, Peer: "peer-2"}

	r, w := io.Pipe()
	var out syncBuffer
	chat := NewTUIChat(s, r, &out)

	done := make(chan error, 1)
	go func() { done <- chat.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		text := out.String()
		return strings.Contains(text, "📨 Alice: ping") && strings.Contains(text, "is calling")
	}, time.Second, 10*time.Millisecond)

	_, err := w.Write([]byte("/quit\n"))
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestTUIChat_StopsOnContextCancel(t *testing.T) {
	s := newFakeSession()
	r, _ := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	chat := NewTUIChat(s, r, &syncBuffer{})

	done := make(chan error, 1)
	go func() { done <- chat.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCallLine(t *testing.T) {
	assert.Equal(t, "📞 in call with Alice", CallLine(call.State{Phase: call.PhaseConnected}, "Alice"))
	assert.Equal(t, "📞 Alice is calling", CallLine(call.State{Phase: call.PhaseIncomingOffered}, "Alice"))
	assert.Empty(t, CallLine(call.State{Phase: call.PhaseIdle}, "Alice"))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
