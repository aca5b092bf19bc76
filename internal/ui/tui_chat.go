// Package ui is the line-oriented terminal client.
package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"Krypt/internal/call"
	"Krypt/internal/core"
	"Krypt/pkg/interfaces"
)

// Session is the part of the orchestrator the terminal drives.
type Session interface {
	Identity() interfaces.Identity
	State() core.AppState
	Events() <-chan core.Event

	AddContact(ctx context.Context, peer, nickname string) error
	RenameContact(ctx context.Context, peer, nickname string) error
	DeleteContact(ctx context.Context, peer string) error
	OpenConversation(ctx context.Context, peer string) error
	CloseConversation(ctx context.Context, peer string) error
	SendText(ctx context.Context, peer, text string) error
	SendFile(ctx context.Context, peer, path string) error
	DeleteMessage(ctx context.Context, id int64) error
	DeleteChat(ctx context.Context, peer string) error
	PostStatus(ctx context.Context, text string) error
	StartCall(peer string) error
	AcceptCall() error
	EndCall() error
}

var errQuit = errors.New("quit")

// maxLine bounds one input line, long pastes included.
const maxLine = 1 << 20

// TUIChat reads commands from in and prints to out.
type TUIChat struct {
	session Session
	in      io.Reader

	mu  sync.Mutex
	out io.Writer
}

func NewTUIChat(session Session, in io.Reader, out io.Writer) *TUIChat {
	return &TUIChat{session: session, in: in, out: out}
}

// Run processes commands until /quit, end of input or ctx is done.
func (t *TUIChat) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		t.printEvents(ctx)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		src := t.in
		scanner := bufio.NewScanner(src)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
		for {
			for scanner.Scan() {
				select {
				case lines <- scanner.Text():
				case <-ctx.Done():
					return
				}
			}
			if !errors.Is(scanner.Err(), bufio.ErrTooLong) {
				if err := scanner.Err(); err != nil {
					t.printf("❌ Input closed: %v\n", err)
				}
				return
			}
			t.printf("❌ Line longer than %d bytes was dropped\n", maxLine)
			src = skipLine(src)
			scanner = bufio.NewScanner(src)
			scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
		}
	}()

	t.showWelcome()
	for {
		t.printf("🔐 > ")
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := t.execute(ctx, strings.TrimSpace(line)); errors.Is(err, errQuit) {
				t.println("👋 Bye!")
				return nil
			}
		}
	}
}

// skipLine discards r up to and including the next newline. Whatever the
// scanner already buffered of an overlong line holds no newline.
func skipLine(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	for {
		if _, err := br.ReadSlice('\n'); !errors.Is(err, bufio.ErrBufferFull) {
			return br
		}
	}
}

func (t *TUIChat) showWelcome() {
	id := t.session.Identity()
	t.println("🔐 Krypt")
	t.println("Your id: " + id.UUID)
	t.println("")
	t.showHelp()
}

func (t *TUIChat) showHelp() {
	t.println("Commands:")
	t.println("  /help                 - show this help")
	t.println("  /me                   - show your id")
	t.println("  /contacts             - list contacts")
	t.println("  /add <uuid> [nick]    - add a contact")
	t.println("  /rename <peer> <nick> - rename a contact")
	t.println("  /remove <peer>        - delete a contact and its chat")
	t.println("  /open <peer>          - open a conversation")
	t.println("  /close                - close the conversation")
	t.println("  /msg <peer> <text>    - send a message")
	t.println("  /file <peer> <path>   - send a file")
	t.println("  /history [peer]       - show a conversation")
	t.println("  /delete <id>          - delete a message")
	t.println("  /clear <peer>         - delete a whole chat")
	t.println("  /status <text>        - post a status")
	t.println("  /statuses             - show active statuses")
	t.println("  /call <peer>          - start a call")
	t.println("  /accept               - accept the incoming call")
	t.println("  /hangup               - end the call")
	t.println("  /quit                 - exit")
	t.println("Plain text goes to the open conversation.")
}

func (t *TUIChat) execute(ctx context.Context, input string) error {
	if input == "" {
		return nil
	}
	if !strings.HasPrefix(input, "/") {
		open := t.session.State().OpenPeer
		if open == "" {
			t.println("❌ No open conversation, use /open <peer> or /msg <peer> <text>")
			return nil
		}
		t.report(t.session.SendText(ctx, open, input))
		return nil
	}

	parts := strings.Fields(input)
	args := parts[1:]
	need := func(n int, usage string) bool {
		if len(args) < n {
			t.println("❌ Usage: " + usage)
			return false
		}
		return true
	}

	switch parts[0] {
	case "/help":
		t.showHelp()
	case "/me":
		t.println("Your id: " + t.session.Identity().UUID)
	case "/contacts":
		t.showContacts()
	case "/add":
		if need(1, "/add <uuid> [nick]") {
			t.report(t.session.AddContact(ctx, args[0], strings.Join(args[1:], " ")))
		}
	case "/rename":
		if need(2, "/rename <peer> <nick>") {
			t.report(t.session.RenameContact(ctx, t.resolve(args[0]), strings.Join(args[1:], " ")))
		}
	case "/remove":
		if need(1, "/remove <peer>") {
			t.report(t.session.DeleteContact(ctx, t.resolve(args[0])))
		}
	case "/open":
		if need(1, "/open <peer>") {
			peer := t.resolve(args[0])
			if t.report(t.session.OpenConversation(ctx, peer)) {
				t.showHistory(peer)
			}
		}
	case "/close":
		if open := t.session.State().OpenPeer; open != "" {
			t.report(t.session.CloseConversation(ctx, open))
		}
	case "/msg":
		if need(2, "/msg <peer> <text>") {
			t.report(t.session.SendText(ctx, t.resolve(args[0]), strings.Join(args[1:], " ")))
		}
	case "/file":
		if need(2, "/file <peer> <path>") {
			t.report(t.session.SendFile(ctx, t.resolve(args[0]), strings.Join(args[1:], " ")))
		}
	case "/history":
		peer := t.session.State().OpenPeer
		if len(args) > 0 {
			peer = t.resolve(args[0])
		}
		if peer == "" {
			t.println("❌ Usage: /history <peer>")
			return nil
		}
		t.showHistory(peer)
	case "/delete":
		if need(1, "/delete <id>") {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				t.println("❌ Message id must be a number")
				return nil
			}
			t.report(t.session.DeleteMessage(ctx, id))
		}
	case "/clear":
		if need(1, "/clear <peer>") {
			t.report(t.session.DeleteChat(ctx, t.resolve(args[0])))
		}
	case "/status":
		if need(1, "/status <text>") {
			t.report(t.session.PostStatus(ctx, strings.Join(args, " ")))
		}
	case "/statuses":
		t.showStatuses()
	case "/call":
		if need(1, "/call <peer>") {
			t.report(t.session.StartCall(t.resolve(args[0])))
		}
	case "/accept":
		t.report(t.session.AcceptCall())
	case "/hangup":
		t.report(t.session.EndCall())
	case "/quit":
		return errQuit
	default:
		t.printf("❌ Unknown command: %s\n", parts[0])
		t.println("Type /help for the command list")
	}
	return nil
}

// resolve maps a nickname onto its contact's uuid. Anything else is taken as
// a uuid.
func (t *TUIChat) resolve(ref string) string {
	for _, c := range t.session.State().Contacts {
		if c.UUID == ref {
			return ref
		}
	}
	for _, c := range t.session.State().Contacts {
		if c.Nickname != "" && strings.EqualFold(c.Nickname, ref) {
			return c.UUID
		}
	}
	return ref
}

func (t *TUIChat) report(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, core.ErrMissingContactKey) {
		t.println("⏳ Waiting for the contact's key, the message will go out once it arrives")
		return false
	}
	t.printf("❌ %v\n", err)
	return false
}

func (t *TUIChat) showContacts() {
	st := t.session.State()
	if len(st.Contacts) == 0 {
		t.println("📝 No contacts")
		return
	}

	link := "🔴 offline"
	if st.Connected {
		link = "🟢 online"
	}
	t.println("📝 Contacts (" + link + "):")
	for _, c := range st.Contacts {
		key := "🔑"
		if !c.HasKey() {
			key = "⏳"
		}
		line := fmt.Sprintf("  %s %s (%s)", key, c.DisplayName(), c.UUID)
		if n := st.Unread[c.UUID]; n > 0 {
			line += fmt.Sprintf(" [%d unread]", n)
		}
		if p, ok := st.Previews[c.UUID]; ok {
			line += " - " + p.Content
		}
		t.println(line)
	}
}

func (t *TUIChat) showHistory(peer string) {
	st := t.session.State()
	if st.OpenPeer != peer {
		t.println("📜 Open the conversation first: /open " + peer)
		return
	}
	if len(st.Messages) == 0 {
		t.println("📜 No messages yet")
		return
	}

	name := t.displayName(peer)
	for _, m := range st.Messages {
		who := "You"
		if m.Incoming() {
			who = name
		}
		t.printf("  #%d [%s] %s: %s%s\n", m.ID, m.CreatedAt.Format("15:04:05"), who, m.Content, marks(m))
	}
}

func (t *TUIChat) showStatuses() {
	st := t.session.State()
	if len(st.Statuses) == 0 {
		t.println("💬 No active statuses")
		return
	}
	for _, s := range st.Statuses {
		t.printf("  💬 %s (until %s)\n", s.Content, s.ExpiresAt.Format("Jan 2 15:04"))
	}
}

func (t *TUIChat) printEvents(ctx context.Context) {
	events := t.session.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if line := t.describe(ev); line != "" {
				t.println("\n" + line)
			}
		}
	}
}

func (t *TUIChat) describe(ev core.Event) string {
	name := t.displayName(ev.Peer)
	switch ev.Type {
	case core.EventMessageReceived:
		return fmt.Sprintf("📨 %s: %s", name, ev.Text)
	case core.EventFileReceived:
		return fmt.Sprintf("📎 %s sent a file, saved to %s", name, ev.Text)
	case core.EventSendFailed:
		return fmt.Sprintf("❌ Sending to %s failed: %s", name, ev.Text)
	case core.EventDecryptFailed:
		return fmt.Sprintf("⚠️ A message from %s could not be decrypted, asked for a fresh key", name)
	case core.EventTransferFailed:
		return fmt.Sprintf("⚠️ File %s from %s was discarded", ev.Text, name)
	case core.EventKeyResolved:
		return fmt.Sprintf("🔑 Key for %s received", name)
	case core.EventIncomingCall:
		return fmt.Sprintf("📞 %s is calling, /accept or /hangup", name)
	case core.EventCallEnded:
		return fmt.Sprintf("📴 Call with %s ended (%s)", name, ev.Reason)
	}
	return ""
}

func (t *TUIChat) displayName(peer string) string {
	for _, c := range t.session.State().Contacts {
		if c.UUID == peer {
			return c.DisplayName()
		}
	}
	return interfaces.ShortID(peer)
}

func marks(m interfaces.Message) string {
	if m.Incoming() {
		return ""
	}
	switch {
	case m.IsRead:
		return " ✓✓ read"
	case m.IsDelivered:
		return " ✓✓"
	case m.IsSent:
		return " ✓"
	}
	return " …"
}

// CallLine renders a call state for a prompt or status bar.
func CallLine(s call.State, name string) string {
	switch s.Phase {
	case call.PhaseOffering, call.PhaseConnecting:
		return "📞 calling " + name
	case call.PhaseIncomingOffered:
		return "📞 " + name + " is calling"
	case call.PhaseAccepting:
		return "📞 answering " + name
	case call.PhaseConnected:
		return "📞 in call with " + name
	}
	return ""
}

func (t *TUIChat) println(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, s)
}

func (t *TUIChat) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}
