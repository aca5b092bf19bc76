package receipt

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"Krypt/internal/protocol"
	"Krypt/internal/storage"
	"Krypt/pkg/interfaces"
)

type outbox struct {
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (o *outbox) send(env protocol.Envelope) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, env)
	return true
}

func (o *outbox) receipts() []protocol.Receipt {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []protocol.Receipt
	for _, env := range o.sent {
		if r, ok := env.(protocol.Receipt); ok {
			out = append(out, r)
		}
	}
	return out
}

func newTracker(t *testing.T) (*Tracker, *storage.Memory, *outbox) {
	t.Helper()
	repo := storage.NewMemory()
	box := &outbox{}
	return NewTracker("me", repo, box.send, zap.NewNop()), repo, box
}

func insertOutbound(t *testing.T, repo *storage.Memory, peer string) int64 {
	t.Helper()
	id, err := repo.InsertMessage(context.Background(), interfaces.Message{
		ConversationID: peer, FromUUID: "me", Content: "hi", ContentType: interfaces.ContentText, IsSent: true,
	})
	require.NoError(t, err)
	return id
}

func TestHandleReceipt_DeliveredIsIdempotent(t *testing.T) {
	tr, repo, _ := newTracker(t)
	ctx := context.Background()
	id := insertOutbound(t, repo, "a")

	r := protocol.Receipt{From: "a", To: "me", Kind: protocol.ReceiptDelivered, MessageRefID: id}
	changed, err := tr.HandleReceipt(ctx, r)
	require.NoError(t, err)
	assert.True(t, changed)

	first, err := repo.GetMessage(ctx, id)
	require.NoError(t, err)

	changed, err = tr.HandleReceipt(ctx, r)
	require.NoError(t, err)
	assert.False(t, changed)

	second, err := repo.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, second.IsDelivered)
}

func TestHandleReceipt_UnknownIDIsNoop(t *testing.T) {
	tr, _, _ := newTracker(t)
	changed, err := tr.HandleReceipt(context.Background(),
		protocol.Receipt{From: "a", To: "me", Kind: protocol.ReceiptDelivered, MessageRefID: 12345})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestHandleReceipt_DeliveredFromWrongPeerIsNoop(t *testing.T) {
	tr, repo, _ := newTracker(t)
	ctx := context.Background()
	id := insertOutbound(t, repo, "a")

	changed, err := tr.HandleReceipt(ctx, protocol.Receipt{From: "b", To: "me", Kind: protocol.ReceiptDelivered, MessageRefID: id})
	require.NoError(t, err)
	assert.False(t, changed)

	m, err := repo.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.False(t, m.IsDelivered)
}

func TestHandleReceipt_ReadAllScopedToPeer(t *testing.T) {
	tr, repo, _ := newTracker(t)
	ctx := context.Background()
	toA := insertOutbound(t, repo, "a")
	toB := insertOutbound(t, repo, "b")

	for _, r := range []protocol.Receipt{
		{From: "a", To: "me", Kind: protocol.ReceiptDelivered, MessageRefID: toA},
		{From: "b", To: "me", Kind: protocol.ReceiptDelivered, MessageRefID: toB},
	} {
		_, err := tr.HandleReceipt(ctx, r)
		require.NoError(t, err)
	}
	before, err := repo.GetMessage(ctx, toB)
	require.NoError(t, err)

	changed, err := tr.HandleReceipt(ctx, protocol.Receipt{From: "a", To: "me", Kind: protocol.ReceiptReadAll})
	require.NoError(t, err)
	assert.True(t, changed)

	a, err := repo.GetMessage(ctx, toA)
	require.NoError(t, err)
	assert.True(t, a.IsRead)

	after, err := repo.GetMessage(ctx, toB)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.False(t, after.IsRead)
}

func TestOnMessageReceived_ClosedConversationNotifies(t *testing.T) {
	tr, _, box := newTracker(t)

	notify, err := tr.OnMessageReceived(context.Background(), "a", 7)
	require.NoError(t, err)
	assert.True(t, notify)

	require.Equal(t, []protocol.Receipt{
		{From: "me", To: "a", Kind: protocol.ReceiptDelivered, MessageRefID: 7},
	}, box.receipts())
}

func TestOnMessageReceived_OpenConversationMarksRead(t *testing.T) {
	tr, repo, box := newTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.OpenConversation(ctx, "a"))
	assert.True(t, tr.IsOpen("a"))
	assert.False(t, tr.IsOpen("b"))

	id, err := repo.InsertMessage(ctx, interfaces.Message{ConversationID: "a", FromUUID: "a", Content: "yo", ContentType: interfaces.ContentText})
	require.NoError(t, err)

	notify, err := tr.OnMessageReceived(ctx, "a", id)
	require.NoError(t, err)
	assert.False(t, notify)

	m, err := repo.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.True(t, m.IsRead)

	kinds := []protocol.ReceiptKind{}
	for _, r := range box.receipts() {
		kinds = append(kinds, r.Kind)
	}
	// read_all on open, delivered then read_all for the message
	assert.Equal(t, []protocol.ReceiptKind{protocol.ReceiptReadAll, protocol.ReceiptDelivered, protocol.ReceiptReadAll}, kinds)

	tr.CloseConversation("b")
	assert.Equal(t, "a", tr.OpenPeer())
	tr.CloseConversation("a")
	assert.False(t, tr.IsOpen("a"))
}

func TestOpenConversation_MarksEarlierMessagesRead(t *testing.T) {
	tr, repo, box := newTracker(t)
	ctx := context.Background()
	id, err := repo.InsertMessage(ctx, interfaces.Message{ConversationID: "a", FromUUID: "a", Content: "earlier", ContentType: interfaces.ContentText})
	require.NoError(t, err)

	require.NoError(t, tr.OpenConversation(ctx, "a"))

	m, err := repo.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.True(t, m.IsRead)
	require.Len(t, box.receipts(), 1)
	assert.Equal(t, protocol.Receipt{From: "me", To: "a", Kind: protocol.ReceiptReadAll}, box.receipts()[0])
}
