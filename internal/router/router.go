package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/someonegg/gox/syncx"

	"github.com/rickgao/ircrelay/internal/framer"
	"github.com/rickgao/ircrelay/internal/ircmsg"
	"github.com/rickgao/ircrelay/internal/model"
)

// Router relays one upstream IRC session to any number of local observers.
//
// All framers, the observer set and the session state are owned by the
// goroutine running Run. Reader and acceptor goroutines only perform blocking
// calls and post events to the loop.
type Router struct {
	cfg       Config
	logger    *slog.Logger
	handler   Handler
	taps      []Tap
	idleHooks []func(ctx context.Context)
	sessionID uuid.UUID
	startedAt time.Time

	upstream Conn
	up       *framer.Framer
	welcomed bool
	attempts int // nick retries used
	seq      int64

	listeners []namedListener
	observers map[uuid.UUID]*observer
	order     []uuid.UUID // insertion order
	termErr   error

	events  *GrowableBuffer[event]
	running atomic.Bool
	state   atomic.Int32
	wg      sync.WaitGroup
	done    syncx.DoneChan

	// Published after every loop iteration for other goroutines.
	snapMu   sync.RWMutex
	snapshot []ObserverInfo
	nick     string

	upstreamFrames atomic.Int64
	upstreamBytes  atomic.Int64
	parseErrors    atomic.Int64
	pongs          atomic.Int64
	welcomes       atomic.Int64
	nickRetries    atomic.Int64
	fannedOut      atomic.Int64
	observerFrames atomic.Int64
	accepted       atomic.Int64
	dropped        atomic.Int64
	ticks          atomic.Int64
	idleTicks      atomic.Int64
}

type namedListener struct {
	name string
	l    Listener
}

type observer struct {
	id          uuid.UUID
	conn        Conn
	framer      *framer.Framer
	listener    string
	remote      string
	connectedAt time.Time
	framesSent  int64
}

func (o *observer) info() ObserverInfo {
	return ObserverInfo{
		ID:           o.id,
		Listener:     o.listener,
		RemoteAddr:   o.remote,
		ConnectedAt:  o.connectedAt,
		PendingWrite: o.framer.PendingWrite(),
		FramesSent:   o.framesSent,
	}
}

type eviction struct {
	id  uuid.UUID
	err error
}

// New creates a Router for an established upstream connection.
func New(cfg Config, upstream Conn, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	r := &Router{
		cfg:       cfg,
		sessionID: uuid.New(),
		startedAt: time.Now(),
		upstream:  upstream,
		observers: make(map[uuid.UUID]*observer),
		events:    NewGrowableBuffer[event](cfg.EventBufferSize),
		done:      syncx.NewDoneChan(),
		nick:      cfg.Identity.Nick,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.logger = logger.With("component", "router", "session", r.sessionID)
	if r.handler == nil {
		r.handler = LogHandler{Logger: r.logger}
	}
	r.up = r.newFramer(upstream)
	return r
}

func (r *Router) newFramer(c Conn) *framer.Framer {
	return framer.New(c,
		framer.WithMaxFrameSize(r.cfg.MaxFrameSize),
		framer.WithWriteTimeout(r.cfg.WriteTimeout),
	)
}

// AddListener registers a source of observer connections. It must be called
// before Run.
func (r *Router) AddListener(name string, l Listener) {
	if r.running.Load() {
		r.logger.Warn("ignoring listener added after start", "listener", name)
		return
	}
	r.listeners = append(r.listeners, namedListener{name: name, l: l})
}

// SessionID returns the id of the upstream session.
func (r *Router) SessionID() uuid.UUID {
	return r.sessionID
}

// State returns the current session state.
func (r *Router) State() State {
	return State(r.state.Load())
}

// Done is closed once Run has returned and every handle is closed.
func (r *Router) Done() syncx.DoneChanR {
	return r.done.R()
}

// Observers returns a snapshot of connected observers in insertion order.
func (r *Router) Observers() []ObserverInfo {
	r.snapMu.RLock()
	defer r.snapMu.RUnlock()
	out := make([]ObserverInfo, len(r.snapshot))
	copy(out, r.snapshot)
	return out
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	r.snapMu.RLock()
	observers := len(r.snapshot)
	nick := r.nick
	r.snapMu.RUnlock()

	return Stats{
		State:           r.State(),
		Observers:       observers,
		Nick:            nick,
		UpstreamFrames:  r.upstreamFrames.Load(),
		UpstreamBytes:   r.upstreamBytes.Load(),
		ParseErrors:     r.parseErrors.Load(),
		Pongs:           r.pongs.Load(),
		Welcomes:        r.welcomes.Load(),
		NickRetries:     r.nickRetries.Load(),
		FramesFannedOut: r.fannedOut.Load(),
		ObserverFrames:  r.observerFrames.Load(),
		Accepted:        r.accepted.Load(),
		Dropped:         r.dropped.Load(),
		Ticks:           r.ticks.Load(),
		IdleTicks:       r.idleTicks.Load(),
		EventBuffer:     r.events.Stats(),
	}
}

// Session describes the live session. server is the upstream address the
// caller dialed.
func (r *Router) Session(server string) model.Session {
	r.snapMu.RLock()
	defer r.snapMu.RUnlock()
	return model.Session{
		ID:        r.sessionID,
		Server:    server,
		Nick:      r.nick,
		State:     r.State().String(),
		Observers: len(r.snapshot),
		StartedAt: r.startedAt.UnixMicro(),
	}
}

// Run registers with the server and relays until the upstream closes or ctx
// is cancelled. It returns an error wrapping ErrUpstreamClosed when the
// upstream fails and nil on cancellation. Every handle is closed on return.
func (r *Router) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.done.SetDone()
	defer r.shutdown()

	r.logger.Info("router started",
		"nick", r.cfg.Identity.Nick,
		"listeners", len(r.listeners),
		"poll_timeout", r.cfg.PollTimeout,
	)

	r.startReader(srcUpstream, uuid.Nil, r.upstream)
	for _, nl := range r.listeners {
		r.startAcceptor(nl)
	}

	timer := time.NewTimer(r.cfg.PollTimeout)
	defer timer.Stop()

	for {
		if r.State() == StateInit {
			r.register()
		}
		if r.State() == StateTerminated {
			return r.termErr
		}

		wait := r.cfg.PollTimeout
		if r.hasPendingWrites() {
			wait = r.cfg.RetryInterval
		}
		resetTimer(timer, wait)

		select {
		case <-ctx.Done():
			r.quit()
			return nil

		case <-r.events.Ready():
			batch := r.events.DrainTo(0)
			if len(batch) == 0 {
				continue
			}
			r.tick(ctx, batch)

		case <-timer.C:
			if r.hasPendingWrites() {
				r.flush()
			} else {
				r.idle(ctx)
			}
		}

		r.publish()
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// register emits the registration sequence. The session counts as registered
// as soon as the sequence is written; 001 is not awaited.
func (r *Router) register() {
	r.setState(StateRegistering)

	id := r.cfg.Identity
	if id.Password != "" {
		r.enqueueUpstream(ircmsg.Pass(id.Password))
	}
	r.enqueueUpstream(ircmsg.User(id.Username, id.Hostname, id.Servername, id.Realname))
	r.enqueueUpstream(ircmsg.Nick(id.Nick))
	if id.Mode != "" {
		r.enqueueUpstream(ircmsg.Mode(id.Nick, id.Mode))
	}
	if !r.drainUpstream() {
		return
	}

	r.setState(StateRegistered)
	r.logger.Info("registration sent", "nick", id.Nick, "username", id.Username)
}

// tick services every source present in batch: upstream first, then
// listeners, then observers, each class in arrival order.
func (r *Router) tick(ctx context.Context, batch []event) {
	r.ticks.Add(1)

	for _, ev := range batch {
		if ev.src == srcUpstream {
			r.serviceUpstream(ev)
		}
	}
	for _, ev := range batch {
		if ev.src == srcListener {
			r.serviceListener(ev)
		}
	}
	for _, ev := range batch {
		if ev.src == srcDownstream {
			r.serviceDownstream(ctx, ev)
		}
	}

	r.flush()
}

func (r *Router) idle(ctx context.Context) {
	r.idleTicks.Add(1)
	r.logger.Debug("idle", "state", r.State(), "observers", len(r.order))
	for _, fn := range r.idleHooks {
		fn(ctx)
	}
}

func (r *Router) serviceUpstream(ev event) {
	if r.State() == StateTerminated {
		return
	}
	if ev.kind == evClosed {
		r.terminate(fmt.Errorf("read upstream: %w", ev.err))
		return
	}

	r.upstreamBytes.Add(int64(len(ev.data)))
	_, err := r.up.Append(ev.data)
	for {
		frame, ok := r.up.Next()
		if !ok {
			break
		}
		r.handleUpstreamFrame(frame)
		if r.State() == StateTerminated {
			return
		}
	}
	if err != nil {
		r.terminate(fmt.Errorf("read upstream: %w", err))
	}
}

func (r *Router) handleUpstreamFrame(frame []byte) {
	r.upstreamFrames.Add(1)

	msg, err := ircmsg.Parse(frame)
	if err != nil {
		r.parseErrors.Add(1)
		r.logger.Debug("malformed upstream frame", "error", err)
	} else {
		r.react(msg)
	}

	// The raw frame is relayed whether or not it decoded.
	r.fanOut(frame)
	r.emit(model.DirectionUpstream, uuid.Nil, frame, msg, err)
}

func (r *Router) react(msg *ircmsg.Message) {
	switch msg.Command {
	case ircmsg.CmdPing:
		r.enqueueUpstream(ircmsg.Pong(msg.Param(0)))
		if r.drainUpstream() {
			r.pongs.Add(1)
		}

	case ircmsg.CmdNotice:

	case ircmsg.RplWelcome:
		r.welcomed = true
		r.welcomes.Add(1)
		r.logger.Info("welcomed by server", "server", msg.Prefix, "nick", msg.Param(0))

	case ircmsg.ErrNicknameInUse:
		r.retryNick()

	case ircmsg.CmdError:
		r.logger.Warn("server error", "message", msg.Trailing())
	}
}

// retryNick appends "_" to the nick after a collision during registration.
// After 001 a 433 answers some observer's NICK and is left alone.
func (r *Router) retryNick() {
	if r.welcomed {
		return
	}
	nick := r.currentNick()
	if r.attempts >= r.cfg.MaxNickRetries {
		r.logger.Warn("nickname in use, giving up", "nick", nick, "retries", r.attempts)
		return
	}
	r.attempts++
	r.nickRetries.Add(1)

	nick += "_"
	r.setNick(nick)
	r.logger.Info("nickname in use, retrying", "nick", nick, "attempt", r.attempts)
	r.enqueueUpstream(ircmsg.Nick(nick))
	r.drainUpstream()
}

// fanOut queues frame plus delimiter to every observer in insertion order.
func (r *Router) fanOut(frame []byte) {
	var evict []eviction
	for _, id := range r.order {
		o := r.observers[id]
		backlog := o.framer.PendingWrite()
		o.framer.EnqueueFrame(frame)
		o.framesSent++
		r.fannedOut.Add(1)

		if o.framer.PendingWrite() > r.cfg.MaxPendingWrite {
			evict = append(evict, eviction{id, ErrSlowObserver})
			continue
		}
		// A backlogged observer is retried by flush, once per tick.
		if backlog > 0 {
			continue
		}
		if status, err := o.framer.Drain(); status == framer.DrainError {
			evict = append(evict, eviction{id, fmt.Errorf("write observer: %w", err)})
		}
	}
	for _, e := range evict {
		r.removeObserver(e.id, e.err)
	}
}

func (r *Router) serviceListener(ev event) {
	if ev.kind == evListenerFailed {
		r.logger.Warn("listener stopped", "listener", ev.listener, "error", ev.err)
		return
	}

	if r.cfg.MaxObservers > 0 && len(r.order) >= r.cfg.MaxObservers {
		r.logger.Warn("rejecting observer", "listener", ev.listener, "error", ErrTooManyObservers)
		ev.conn.Close()
		return
	}

	o := &observer{
		id:          uuid.New(),
		conn:        ev.conn,
		framer:      r.newFramer(ev.conn),
		listener:    ev.listener,
		remote:      remoteAddr(ev.conn),
		connectedAt: time.Now(),
	}
	r.observers[o.id] = o
	r.order = append(r.order, o.id)
	r.accepted.Add(1)
	r.startReader(srcDownstream, o.id, o.conn)

	r.logger.Info("observer connected",
		"observer", o.id,
		"listener", o.listener,
		"remote", o.remote,
		"observers", len(r.order),
	)
}

func (r *Router) serviceDownstream(ctx context.Context, ev event) {
	o, ok := r.observers[ev.id]
	if !ok {
		return
	}
	if ev.kind == evClosed {
		r.removeObserver(o.id, ev.err)
		return
	}

	_, err := o.framer.Append(ev.data)
	for {
		frame, ok := o.framer.Next()
		if !ok {
			break
		}
		r.observerFrames.Add(1)
		msg, perr := ircmsg.Parse(frame)
		r.emit(model.DirectionDownstream, o.id, frame, msg, perr)
		r.handler.HandleFrame(ctx, o.info(), frame, upstreamSender{r})
	}
	if err != nil {
		r.removeObserver(o.id, fmt.Errorf("read observer: %w", err))
	}
}

// flush retries every framer holding unsent bytes.
func (r *Router) flush() {
	if r.up.PendingWrite() > 0 {
		r.drainUpstream()
	}

	var evict []eviction
	for _, id := range r.order {
		o := r.observers[id]
		if o.framer.PendingWrite() == 0 {
			continue
		}
		if status, err := o.framer.Drain(); status == framer.DrainError {
			evict = append(evict, eviction{id, fmt.Errorf("write observer: %w", err)})
		}
	}
	for _, e := range evict {
		r.removeObserver(e.id, e.err)
	}
}

func (r *Router) hasPendingWrites() bool {
	if r.up.PendingWrite() > 0 {
		return true
	}
	for _, id := range r.order {
		if r.observers[id].framer.PendingWrite() > 0 {
			return true
		}
	}
	return false
}

func (r *Router) removeObserver(id uuid.UUID, cause error) {
	o, ok := r.observers[id]
	if !ok {
		return
	}
	delete(r.observers, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	o.conn.Close()
	r.dropped.Add(1)

	if cause == nil || errors.Is(cause, io.EOF) {
		r.logger.Info("observer disconnected", "observer", id, "observers", len(r.order))
		return
	}
	r.logger.Warn("observer dropped", "observer", id, "observers", len(r.order), "error", cause)
}

func (r *Router) enqueueUpstream(msg *ircmsg.Message) {
	line := msg.Encode()
	r.up.EnqueueFrame(line)
	if msg.Command == ircmsg.CmdPass {
		r.seq++ // never handed to taps
		return
	}
	r.emit(model.DirectionOutbound, uuid.Nil, line, msg, nil)
}

// drainUpstream pushes queued upstream bytes and terminates the session on
// a write failure. It reports whether the session is still alive.
func (r *Router) drainUpstream() bool {
	if r.State() == StateTerminated {
		return false
	}
	status, err := r.up.Drain()
	if status == framer.DrainError {
		r.terminate(fmt.Errorf("write upstream: %w", err))
		return false
	}
	return true
}

// quit says goodbye on a best-effort basis before shutdown closes the socket.
func (r *Router) quit() {
	if r.State() != StateRegistered {
		return
	}
	r.enqueueUpstream(ircmsg.Quit(r.cfg.QuitMessage))
	r.drainUpstream()
	r.logger.Info("router stopping", "reason", "context cancelled")
}

func (r *Router) terminate(cause error) {
	if r.State() == StateTerminated {
		return
	}
	r.termErr = fmt.Errorf("%w: %w", ErrUpstreamClosed, cause)
	r.setState(StateTerminated)
	r.logger.Warn("upstream session terminated", "error", cause)
}

func (r *Router) emit(dir model.Direction, observerID uuid.UUID, raw []byte, msg *ircmsg.Message, perr error) {
	r.seq++
	if len(r.taps) == 0 {
		return
	}
	rec := model.NewFrameRecord(r.sessionID, dir, r.seq, raw, time.Now())
	rec.ObserverID = observerID
	if perr != nil {
		rec.ParseErr = perr.Error()
	} else if msg != nil {
		rec.Prefix = msg.Prefix
		rec.Command = msg.Command
		rec.Params = msg.Params
	}
	for _, t := range r.taps {
		t.Record(rec)
	}
}

func (r *Router) setState(s State) {
	r.state.Store(int32(s))
}

func (r *Router) currentNick() string {
	r.snapMu.RLock()
	defer r.snapMu.RUnlock()
	return r.nick
}

func (r *Router) setNick(nick string) {
	r.snapMu.Lock()
	r.nick = nick
	r.snapMu.Unlock()
}

func (r *Router) publish() {
	infos := make([]ObserverInfo, 0, len(r.order))
	for _, id := range r.order {
		infos = append(infos, r.observers[id].info())
	}
	r.snapMu.Lock()
	r.snapshot = infos
	r.snapMu.Unlock()
}

// shutdown closes every handle and waits for reader goroutines.
func (r *Router) shutdown() {
	r.setState(StateTerminated)

	r.upstream.Close()
	for _, nl := range r.listeners {
		nl.l.Close()
	}
	for _, id := range r.order {
		r.observers[id].conn.Close()
	}
	r.events.Close()
	r.wg.Wait()

	// Connections accepted after the last tick.
	for _, ev := range r.events.DrainTo(0) {
		if ev.kind == evAccepted {
			ev.conn.Close()
		}
	}
	r.observers = make(map[uuid.UUID]*observer)
	r.order = nil
	r.publish()

	r.logger.Info("router stopped",
		"upstream_frames", r.upstreamFrames.Load(),
		"parse_errors", r.parseErrors.Load(),
		"accepted", r.accepted.Load(),
		"dropped", r.dropped.Load(),
	)
}

// startReader reads c until it fails, posting each chunk to the loop.
func (r *Router) startReader(src source, id uuid.UUID, c Conn) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		buf := make([]byte, r.cfg.ReadBufferSize)
		for {
			n, err := c.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !r.events.Send(event{kind: evData, src: src, id: id, data: chunk}) {
					return
				}
			}
			if err == nil && n == 0 {
				err = io.EOF
			}
			if err != nil {
				r.events.Send(event{kind: evClosed, src: src, id: id, err: err})
				return
			}
		}
	}()
}

// startAcceptor accepts from nl until it fails or is closed.
func (r *Router) startAcceptor(nl namedListener) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			c, err := nl.l.Accept()
			if err != nil {
				r.events.Send(event{kind: evListenerFailed, src: srcListener, listener: nl.name, err: err})
				return
			}
			if !r.events.Send(event{kind: evAccepted, src: srcListener, listener: nl.name, conn: c}) {
				c.Close()
				return
			}
		}
	}()
}

func remoteAddr(c Conn) string {
	if ra, ok := c.(interface{ RemoteAddr() net.Addr }); ok {
		if addr := ra.RemoteAddr(); addr != nil {
			return addr.String()
		}
	}
	return ""
}

type upstreamSender struct {
	r *Router
}

func (s upstreamSender) Send(msg *ircmsg.Message) {
	if s.r.State() == StateTerminated {
		return
	}
	s.r.enqueueUpstream(msg)
	s.r.drainUpstream()
}
