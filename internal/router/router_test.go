package router

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/ircrelay/internal/ircmsg"
	"github.com/rickgao/ircrelay/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig(Identity{
		Nick:       "finch",
		Username:   "finch",
		Hostname:   "localhost",
		Servername: "*",
		Realname:   "Finch Bot",
	})
	cfg.PollTimeout = 50 * time.Millisecond
	return cfg
}

// peer is the far end of a net.Pipe, read line by line.
type peer struct {
	t     *testing.T
	conn  net.Conn
	lines chan string
}

func newPeer(t *testing.T, conn net.Conn) *peer {
	p := &peer{t: t, conn: conn, lines: make(chan string, 64)}
	go func() {
		defer close(p.lines)
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			p.lines <- strings.TrimSuffix(line, "\r\n")
		}
	}()
	return p
}

func (p *peer) expect(want string) {
	p.t.Helper()
	select {
	case got, ok := <-p.lines:
		if !ok {
			p.t.Fatalf("connection closed, want %q", want)
		}
		if got != want {
			p.t.Fatalf("got %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		p.t.Fatalf("timeout waiting for %q", want)
	}
}

func (p *peer) expectNothing(d time.Duration) {
	p.t.Helper()
	select {
	case got, ok := <-p.lines:
		if ok {
			p.t.Fatalf("unexpected line %q", got)
		}
	case <-time.After(d):
	}
}

func (p *peer) send(line string) {
	p.t.Helper()
	p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := p.conn.Write([]byte(line + "\r\n")); err != nil {
		p.t.Fatalf("write %q: %v", line, err)
	}
}

// pipeListener hands out the server side of net.Pipe connections.
type pipeListener struct {
	conns  chan Conn
	closed chan struct{}
	once   sync.Once
}

func newPipeListener() *pipeListener {
	return &pipeListener{conns: make(chan Conn), closed: make(chan struct{})}
}

func (l *pipeListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *pipeListener) Addr() net.Addr {
	return pipeAddr{}
}

func (l *pipeListener) dial(t *testing.T) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	select {
	case l.conns <- server:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout dialing listener")
	}
	return client
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

type session struct {
	r      *Router
	srv    *peer
	lis    *pipeListener
	cancel context.CancelFunc
	errc   chan error
}

func startSession(t *testing.T, cfg Config, opts ...Option) *session {
	t.Helper()
	client, server := net.Pipe()
	r := New(cfg, client, testLogger(), opts...)
	lis := newPipeListener()
	r.AddListener("test", lis)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	s := &session{r: r, srv: newPeer(t, server), lis: lis, cancel: cancel, errc: errc}
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.Done():
		case <-time.After(2 * time.Second):
			t.Error("router did not stop")
		}
		server.Close()
	})
	return s
}

func (s *session) expectRegistration() {
	s.srv.t.Helper()
	s.srv.expect("USER finch localhost * :Finch Bot")
	s.srv.expect("NICK finch")
	s.srv.expect("MODE finch +B")
}

func (s *session) connectObservers(t *testing.T, n int) []net.Conn {
	t.Helper()
	conns := make([]net.Conn, n)
	for i := range conns {
		conns[i] = s.lis.dial(t)
	}
	waitFor(t, func() bool { return len(s.r.Observers()) == n })
	return conns
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig(Identity{Nick: "finch"})

	if cfg.PollTimeout != time.Second {
		t.Errorf("PollTimeout = %v, want 1s", cfg.PollTimeout)
	}
	if cfg.WriteTimeout != 100*time.Millisecond {
		t.Errorf("WriteTimeout = %v, want 100ms", cfg.WriteTimeout)
	}
	if cfg.Identity.Mode != "+B" {
		t.Errorf("Identity.Mode = %q, want +B", cfg.Identity.Mode)
	}
	if cfg.MaxNickRetries != 3 {
		t.Errorf("MaxNickRetries = %d, want 3", cfg.MaxNickRetries)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{Identity: Identity{Nick: "finch"}, PollTimeout: 5 * time.Second}.withDefaults()

	if cfg.PollTimeout != 5*time.Second {
		t.Errorf("PollTimeout = %v, want 5s (kept)", cfg.PollTimeout)
	}
	if cfg.ReadBufferSize != 4096 {
		t.Errorf("ReadBufferSize = %d, want 4096", cfg.ReadBufferSize)
	}
	if cfg.MaxPendingWrite != 1<<20 {
		t.Errorf("MaxPendingWrite = %d, want 1 MiB", cfg.MaxPendingWrite)
	}
	if cfg.Identity.Mode != "+B" {
		t.Errorf("Identity.Mode = %q, want +B", cfg.Identity.Mode)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateInit, "init"},
		{StateRegistering, "registering"},
		{StateRegistered, "registered"},
		{StateTerminated, "terminated"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestRouter_Registration(t *testing.T) {
	s := startSession(t, testConfig())
	s.expectRegistration()

	waitFor(t, func() bool { return s.r.State() == StateRegistered })
	if got := s.r.Stats().Nick; got != "finch" {
		t.Errorf("Stats().Nick = %q, want finch", got)
	}
}

func TestRouter_RegistrationWithPassword(t *testing.T) {
	cfg := testConfig()
	cfg.Identity.Password = "hunter2"
	cfg.Identity.Mode = "+iB"

	s := startSession(t, cfg)
	s.srv.expect("PASS hunter2")
	s.srv.expect("USER finch localhost * :Finch Bot")
	s.srv.expect("NICK finch")
	s.srv.expect("MODE finch +iB")
}

func TestRouter_PingPong(t *testing.T) {
	s := startSession(t, testConfig())
	s.expectRegistration()

	s.srv.send("PING :abc123")
	s.srv.expect("PONG :abc123")

	s.srv.send("PING irc.example.com")
	s.srv.expect("PONG :irc.example.com")

	waitFor(t, func() bool { return s.r.Stats().Pongs == 2 })
}

func TestRouter_NoticeIsInert(t *testing.T) {
	s := startSession(t, testConfig())
	s.expectRegistration()

	s.srv.send(":irc.example.com NOTICE * :server is ready")
	s.srv.expectNothing(100 * time.Millisecond)

	if got := s.r.Stats().UpstreamFrames; got != 1 {
		t.Errorf("UpstreamFrames = %d, want 1", got)
	}
}

func TestRouter_FanOutByteIdentical(t *testing.T) {
	s := startSession(t, testConfig())
	s.expectRegistration()
	observers := s.connectObservers(t, 3)

	line := ":irc.example.com NOTICE * :server is ready"
	s.srv.send(line)

	want := line + "\r\n"
	for i, c := range observers {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, len(want))
		if _, err := io.ReadFull(c, buf); err != nil {
			t.Fatalf("observer %d read: %v", i, err)
		}
		if string(buf) != want {
			t.Errorf("observer %d got %q, want %q", i, buf, want)
		}
	}

	waitFor(t, func() bool { return s.r.Stats().FramesFannedOut == 3 })
}

func TestRouter_FanOutPreservesOrder(t *testing.T) {
	s := startSession(t, testConfig())
	s.expectRegistration()
	obs := newPeer(t, s.connectObservers(t, 1)[0])

	// One write carrying several frames and a split one.
	s.srv.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	s.srv.conn.Write([]byte(":a PRIVMSG #c :one\r\n:a PRIVMSG #c :two\r\n:a PRIVMSG #c :th"))
	s.srv.send("ree")

	obs.expect(":a PRIVMSG #c :one")
	obs.expect(":a PRIVMSG #c :two")
	obs.expect(":a PRIVMSG #c :three")
}

func TestRouter_ParseErrorContinues(t *testing.T) {
	s := startSession(t, testConfig())
	s.expectRegistration()
	obs := newPeer(t, s.connectObservers(t, 1)[0])

	s.srv.send("")
	s.srv.send("12 bogus")
	s.srv.send("PING :still-alive")

	// Malformed frames are still relayed verbatim.
	obs.expect("")
	obs.expect("12 bogus")
	obs.expect("PING :still-alive")
	s.srv.expect("PONG :still-alive")

	if got := s.r.Stats().ParseErrors; got != 2 {
		t.Errorf("ParseErrors = %d, want 2", got)
	}
}

func TestRouter_UpstreamClose(t *testing.T) {
	s := startSession(t, testConfig())
	s.expectRegistration()
	obs := s.connectObservers(t, 1)[0]

	s.srv.conn.Close()

	select {
	case err := <-s.errc:
		if !errors.Is(err, ErrUpstreamClosed) {
			t.Errorf("Run() error = %v, want ErrUpstreamClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after upstream close")
	}

	if s.r.State() != StateTerminated {
		t.Errorf("State() = %v, want terminated", s.r.State())
	}
	if !s.r.Done().Done() {
		t.Error("Done() not closed after Run returned")
	}
	if n := len(s.r.Observers()); n != 0 {
		t.Errorf("Observers() = %d after shutdown, want 0", n)
	}

	// Observer handles are closed with the session.
	obs.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := obs.Read(make([]byte, 1)); err == nil {
		t.Error("observer still open after shutdown")
	}
}

func TestRouter_FrameTooLongTerminates(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameSize = 16
	s := startSession(t, cfg)
	s.expectRegistration()

	s.srv.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	s.srv.conn.Write([]byte(strings.Repeat("x", 64)))

	select {
	case err := <-s.errc:
		if !errors.Is(err, ErrUpstreamClosed) {
			t.Errorf("Run() error = %v, want ErrUpstreamClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after oversized frame")
	}
}

func TestRouter_ObserverDisconnect(t *testing.T) {
	s := startSession(t, testConfig())
	s.expectRegistration()
	conns := s.connectObservers(t, 2)
	remaining := newPeer(t, conns[1])

	conns[0].Close()
	waitFor(t, func() bool { return len(s.r.Observers()) == 1 })

	s.srv.send(":a PRIVMSG #c :after")
	remaining.expect(":a PRIVMSG #c :after")

	st := s.r.Stats()
	if st.Dropped != 1 || st.Accepted != 2 {
		t.Errorf("Dropped = %d, Accepted = %d; want 1, 2", st.Dropped, st.Accepted)
	}
	if st.State != StateRegistered {
		t.Errorf("State = %v, want registered", st.State)
	}
}

func TestRouter_Session(t *testing.T) {
	s := startSession(t, testConfig())
	s.expectRegistration()
	s.connectObservers(t, 2)

	sess := s.r.Session("irc.example.com:6667")
	if sess.ID != s.r.SessionID() {
		t.Errorf("ID = %v, want %v", sess.ID, s.r.SessionID())
	}
	if sess.Server != "irc.example.com:6667" {
		t.Errorf("Server = %q", sess.Server)
	}
	if sess.Nick != "finch" {
		t.Errorf("Nick = %q, want finch", sess.Nick)
	}
	if sess.State != "registered" {
		t.Errorf("State = %q, want registered", sess.State)
	}
	if sess.Observers != 2 {
		t.Errorf("Observers = %d, want 2", sess.Observers)
	}
	if sess.StartedAt == 0 {
		t.Error("StartedAt should be set")
	}
}

func TestRouter_SlowObserverEvicted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPendingWrite = 64
	cfg.WriteTimeout = 10 * time.Millisecond
	s := startSession(t, cfg)
	s.expectRegistration()

	conns := s.connectObservers(t, 2)
	_ = conns[0] // never read
	fast := newPeer(t, conns[1])

	for i := 0; i < 8; i++ {
		s.srv.send(":a PRIVMSG #c :message payload padding")
	}
	for i := 0; i < 8; i++ {
		fast.expect(":a PRIVMSG #c :message payload padding")
	}

	waitFor(t, func() bool { return len(s.r.Observers()) == 1 })
	if got := s.r.Observers()[0].ID; got == uuid.Nil {
		t.Error("remaining observer has nil id")
	}
	if s.r.State() != StateRegistered {
		t.Errorf("State() = %v, want registered", s.r.State())
	}
}

func TestRouter_MaxObservers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxObservers = 1
	s := startSession(t, cfg)
	s.expectRegistration()
	s.connectObservers(t, 1)

	rejected := s.lis.dial(t)
	rejected.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := rejected.Read(make([]byte, 1)); err == nil {
		t.Error("connection over the limit was not closed")
	}
	if n := len(s.r.Observers()); n != 1 {
		t.Errorf("Observers() = %d, want 1", n)
	}
}

func TestRouter_NickInUse(t *testing.T) {
	cfg := testConfig()
	cfg.MaxNickRetries = 1
	s := startSession(t, cfg)
	s.expectRegistration()

	s.srv.send(":irc.example.com 433 * finch :Nickname is already in use")
	s.srv.expect("NICK finch_")

	s.srv.send(":irc.example.com 433 * finch_ :Nickname is already in use")
	s.srv.expectNothing(100 * time.Millisecond)

	s.srv.send(":irc.example.com 001 finch_ :Welcome")
	waitFor(t, func() bool { return s.r.Stats().Welcomes == 1 })

	st := s.r.Stats()
	if st.NickRetries != 1 {
		t.Errorf("NickRetries = %d, want 1", st.NickRetries)
	}
	if st.Nick != "finch_" {
		t.Errorf("Nick = %q, want finch_", st.Nick)
	}
}

func TestRouter_NickInUseAfterWelcomeIgnored(t *testing.T) {
	s := startSession(t, testConfig())
	s.expectRegistration()

	s.srv.send(":irc.example.com 001 finch :Welcome")
	s.srv.send(":irc.example.com 433 finch other :Nickname is already in use")
	s.srv.expectNothing(100 * time.Millisecond)
}

func TestRouter_HandlerCanForward(t *testing.T) {
	got := make(chan string, 1)
	handler := HandlerFunc(func(_ context.Context, from ObserverInfo, frame []byte, up Upstream) {
		got <- from.Listener + " " + string(frame)
		if msg, err := ircmsg.Parse(frame); err == nil && msg.Command == ircmsg.CmdPrivmsg {
			up.Send(msg)
		}
	})

	s := startSession(t, testConfig(), WithHandler(handler))
	s.expectRegistration()
	obs := newPeer(t, s.connectObservers(t, 1)[0])

	obs.send("PRIVMSG #c :from observer")

	select {
	case line := <-got:
		if line != "test PRIVMSG #c :from observer" {
			t.Errorf("handler got %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	s.srv.expect("PRIVMSG #c :from observer")

	if n := s.r.Stats().ObserverFrames; n != 1 {
		t.Errorf("ObserverFrames = %d, want 1", n)
	}
}

func TestRouter_Taps(t *testing.T) {
	records := make(chan model.FrameRecord, 32)
	tap := TapFunc(func(rec model.FrameRecord) { records <- rec })

	cfg := testConfig()
	cfg.Identity.Password = "hunter2"
	s := startSession(t, cfg, WithTap(tap))
	s.srv.expect("PASS hunter2")
	s.expectRegistration()

	s.srv.send("PING :abc123")
	s.srv.expect("PONG :abc123")
	s.srv.send("")

	var got []model.FrameRecord
	timeout := time.After(2 * time.Second)
	for len(got) < 6 {
		select {
		case rec := <-records:
			got = append(got, rec)
		case <-timeout:
			t.Fatalf("got %d records, want 6", len(got))
		}
	}

	want := []struct {
		dir     model.Direction
		command string
	}{
		{model.DirectionOutbound, "USER"},
		{model.DirectionOutbound, "NICK"},
		{model.DirectionOutbound, "MODE"},
		{model.DirectionOutbound, "PONG"},
		{model.DirectionUpstream, "PING"},
		{model.DirectionUpstream, ""},
	}
	for i, w := range want {
		if got[i].Direction != w.dir || got[i].Command != w.command {
			t.Errorf("record %d = %s %q, want %s %q", i, got[i].Direction, got[i].Command, w.dir, w.command)
		}
		if got[i].SessionID != s.r.SessionID() {
			t.Errorf("record %d SessionID = %v, want %v", i, got[i].SessionID, s.r.SessionID())
		}
		if i > 0 && got[i].Seq <= got[i-1].Seq {
			t.Errorf("record %d Seq = %d not after %d", i, got[i].Seq, got[i-1].Seq)
		}
	}
	if got[5].ParseErr == "" {
		t.Error("empty frame record has no ParseErr")
	}
	for _, rec := range got {
		if rec.Command == ircmsg.CmdPass {
			t.Error("PASS handed to tap")
		}
	}
}

func TestRouter_IdleHook(t *testing.T) {
	idle := make(chan struct{}, 1)
	hook := func(context.Context) {
		select {
		case idle <- struct{}{}:
		default:
		}
	}

	cfg := testConfig()
	cfg.PollTimeout = 20 * time.Millisecond
	s := startSession(t, cfg, WithIdleHook(hook))
	s.expectRegistration()

	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("idle hook not called")
	}
	if s.r.State() != StateRegistered {
		t.Errorf("State() = %v after idle, want registered", s.r.State())
	}
	if s.r.Stats().IdleTicks == 0 {
		t.Error("IdleTicks = 0")
	}
}

func TestRouter_CancelSendsQuit(t *testing.T) {
	cfg := testConfig()
	cfg.QuitMessage = "bye"
	s := startSession(t, cfg)
	s.expectRegistration()

	s.cancel()
	s.srv.expect("QUIT :bye")

	select {
	case err := <-s.errc:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRouter_RunTwice(t *testing.T) {
	s := startSession(t, testConfig())
	s.expectRegistration()

	if err := s.r.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}
}

// TestRouter_TickPriority drives one tick directly: upstream events are
// serviced before observer events regardless of arrival order, and each class
// keeps arrival order.
func TestRouter_TickPriority(t *testing.T) {
	var seq []string
	handler := HandlerFunc(func(_ context.Context, _ ObserverInfo, frame []byte, _ Upstream) {
		seq = append(seq, "observer:"+string(frame))
	})
	tap := TapFunc(func(rec model.FrameRecord) {
		if rec.Direction == model.DirectionUpstream {
			seq = append(seq, "upstream:"+rec.Params[len(rec.Params)-1])
		}
	})

	up, upPeer := net.Pipe()
	go io.Copy(io.Discard, upPeer)
	r := New(testConfig(), up, testLogger(), WithHandler(handler), WithTap(tap))
	defer r.shutdown()

	obs, obsPeer := net.Pipe()
	go io.Copy(io.Discard, obsPeer)
	r.serviceListener(event{kind: evAccepted, src: srcListener, listener: "test", conn: obs})
	if len(r.order) != 1 {
		t.Fatalf("observers = %d, want 1", len(r.order))
	}
	id := r.order[0]

	r.tick(context.Background(), []event{
		{kind: evData, src: srcDownstream, id: id, data: []byte("A\r\n")},
		{kind: evData, src: srcUpstream, data: []byte(":s NOTICE * :one\r\n")},
		{kind: evData, src: srcDownstream, id: id, data: []byte("B\r\n")},
		{kind: evData, src: srcUpstream, data: []byte(":s NOTICE * :two\r\n")},
	})

	want := []string{"upstream:one", "upstream:two", "observer:A", "observer:B"}
	if strings.Join(seq, ",") != strings.Join(want, ",") {
		t.Errorf("service order = %v, want %v", seq, want)
	}
}

func TestNetListener(t *testing.T) {
	nl, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("tcp listen unavailable: %v", err)
	}
	l := NetListener(nl)
	defer l.Close()

	go func() {
		c, err := net.Dial("tcp", nl.Addr().String())
		if err == nil {
			c.Close()
		}
	}()

	c, err := l.Accept()
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	c.Close()

	if got := remoteAddr(c); got == "" {
		t.Error("remoteAddr() is empty for a TCP conn")
	}
}
