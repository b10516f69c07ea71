package server

import (
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"wizzd/db"
	"wizzd/models"
	"wizzd/protocol"

	"github.com/prometheus/client_golang/prometheus"
)

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	StorageDir   string
}

// Control loop events. Reader goroutines produce these; only the
// control loop consumes them.
type connEvent struct {
	conn net.Conn
}

type dataEvent struct {
	id   uint64
	data []byte
}

type closeEvent struct {
	id uint64
}

// Server owns the listening socket, the live session set and the
// online directory. A single control goroutine is the only one that
// mutates those structures, so they carry no locks. Storage work is
// pushed onto one worker goroutine; completions come back as closures
// on the callbacks channel and run on the control loop again.
type Server struct {
	db      *db.DB
	config  *ServerConfig
	blobs   *BlobStore
	metrics *Metrics

	registry *prometheus.Registry

	// Control-loop-owned state.
	nextID   uint64
	sessions map[uint64]*Session
	online   map[string]*Session
	statuses map[string]uint32

	listener   net.Listener
	events     chan interface{}
	callbacks  chan func()
	storeTasks chan func()
	quit       chan struct{}
	done       chan struct{}
}

func New(database *db.DB, config *ServerConfig) (*Server, error) {
	if config.StorageDir == "" {
		config.StorageDir = "storage"
	}

	blobs, err := NewBlobStore(config.StorageDir)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()

	return &Server{
		db:         database,
		config:     config,
		blobs:      blobs,
		metrics:    NewMetrics(registry),
		registry:   registry,
		sessions:   make(map[uint64]*Session),
		online:     make(map[string]*Session),
		statuses:   make(map[string]uint32),
		events:     make(chan interface{}, 256),
		callbacks:  make(chan func(), 256),
		storeTasks: make(chan func(), 256),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Registry exposes the metrics registry for the admin endpoint.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve runs the accept loop, the store worker and the control loop on
// the given listener. It blocks until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener
	log.Printf("wizzd server listening on %s", listener.Addr())

	go s.acceptLoop(listener)
	go s.runWorker()
	s.runLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			log.Printf("Error accepting connection: %v", err)
			continue
		}

		select {
		case s.events <- connEvent{conn: conn}:
		case <-s.quit:
			conn.Close()
			return
		}
	}
}

// runLoop is the control thread. Everything that touches s.sessions,
// s.online or s.statuses happens here.
func (s *Server) runLoop() {
	for {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		case fn := <-s.callbacks:
			fn()
		case <-s.quit:
			close(s.done)
			return
		}
	}
}

func (s *Server) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case connEvent:
		s.nextID++
		sess := newSession(s.nextID, e.conn, s.config.WriteTimeout)
		s.sessions[sess.id] = sess
		s.metrics.ConnectionsActive.Inc()
		log.Printf("New connection from %s (session %d)", e.conn.RemoteAddr(), sess.id)
		go s.readLoop(sess)

	case dataEvent:
		sess, ok := s.sessions[e.id]
		if !ok {
			return
		}
		packets, err := sess.feed(e.data)
		for _, pkt := range packets {
			s.dispatch(sess, pkt)
		}
		if err != nil {
			// Framing violation: drop without a reply.
			log.Printf("Protocol violation on session %d: %v", e.id, err)
			s.dropSession(sess)
		}

	case closeEvent:
		s.reapSession(e.id)
	}
}

// readLoop feeds the control loop from one connection. It owns nothing
// but the read side of the conn.
func (s *Server) readLoop(sess *Session) {
	buf := make([]byte, 4096)
	for {
		if s.config.ReadTimeout > 0 {
			sess.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		n, err := sess.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case s.events <- dataEvent{id: sess.id, data: data}:
			case <-s.quit:
				return
			}
		}
		if err != nil {
			select {
			case s.events <- closeEvent{id: sess.id}:
			case <-s.quit:
			}
			return
		}
	}
}

// dispatch hands one decoded frame to its handler. Only Login and
// Register are legal before authentication. A handler error means the
// body contract was broken and the connection is dropped.
func (s *Server) dispatch(sess *Session, pkt *protocol.Packet) {
	if sess.closed {
		return
	}
	s.metrics.FramesTotal.WithLabelValues(frameTypeName(pkt.Type)).Inc()

	if !sess.authed && pkt.Type != protocol.Login && pkt.Type != protocol.Register {
		s.sendError(sess, "Not authenticated")
		return
	}

	var err error
	switch pkt.Type {
	case protocol.Login:
		err = s.handleLogin(sess, pkt)
	case protocol.Register:
		err = s.handleRegister(sess, pkt)
	case protocol.AddContact:
		err = s.handleAddContact(sess, pkt)
	case protocol.RemoveContact:
		err = s.handleRemoveContact(sess, pkt)
	case protocol.ContactStatusChange:
		err = s.handleStatusChange(sess, pkt)
	case protocol.DirectMessage:
		err = s.handleDirectMessage(sess, pkt)
	case protocol.Nudge:
		err = s.handleNudge(sess, pkt)
	case protocol.TypingIndicator:
		err = s.handleTypingIndicator(sess, pkt)
	case protocol.VoiceMessage:
		err = s.handleVoiceMessage(sess, pkt)
	case protocol.UpdateAvatar:
		err = s.handleUpdateAvatar(sess, pkt)
	case protocol.GetAvatar:
		err = s.handleGetAvatar(sess, pkt)
	case protocol.GameStatus:
		err = s.handleGameStatus(sess, pkt)
	default:
		log.Printf("Unknown packet type %d on session %d", pkt.Type, sess.id)
		s.sendError(sess, "Unknown packet type")
	}

	if err != nil {
		log.Printf("Malformed %s body on session %d: %v", frameTypeName(pkt.Type), sess.id, err)
		s.dropSession(sess)
	}
}

// dropSession closes the connection after a fatal per-connection error.
// The reader notices the close and posts the close event that performs
// the actual cleanup.
func (s *Server) dropSession(sess *Session) {
	sess.close()
}

// reapSession removes a dead session. The directory entry goes first:
// routing must never see a session that is about to be destroyed.
func (s *Server) reapSession(id uint64) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}

	if sess.username != "" && s.online[sess.username] == sess {
		delete(s.online, sess.username)
		s.statuses[sess.username] = models.StatusOffline
		s.metrics.UsersOnline.Set(float64(len(s.online)))
		s.notifyFollowers(sess.username, models.StatusOffline)
		log.Printf("User offline: %s (session %d)", sess.username, id)
	} else {
		log.Printf("Session %d closed", id)
	}

	delete(s.sessions, id)
	sess.close()
	s.metrics.ConnectionsActive.Dec()
}

// runStore queues a task for the persistence worker. Only the control
// loop calls this; while the queue is full it keeps draining worker
// completions so the two queues cannot deadlock against each other.
func (s *Server) runStore(task func()) {
	for {
		select {
		case s.storeTasks <- task:
			s.metrics.StoreQueueDepth.Set(float64(len(s.storeTasks)))
			return
		case fn := <-s.callbacks:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post schedules a closure onto the control loop. Completion callbacks
// from the worker use this so replies are always sent from the control
// thread.
func (s *Server) post(fn func()) {
	select {
	case s.callbacks <- fn:
	case <-s.quit:
	}
}

// runWorker drains the storage task queue. One operation failing must
// not take the worker down with it.
func (s *Server) runWorker() {
	for {
		select {
		case task := <-s.storeTasks:
			s.runTask(task)
			s.metrics.StoreQueueDepth.Set(float64(len(s.storeTasks)))
		case <-s.quit:
			return
		}
	}
}

func (s *Server) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in store task: %v", r)
		}
	}()
	task()
}

func (s *Server) sendError(sess *Session, reason string) {
	pkt := protocol.New(protocol.Error)
	pkt.WriteString(reason)
	sess.send(pkt)
}

// notifyFollowers pushes a ContactStatusChange for username to every
// online follower. Follower lookup runs on the worker; the broadcast
// runs back on the control loop.
func (s *Server) notifyFollowers(username string, status uint32) {
	s.runStore(func() {
		followers, err := s.db.ListFollowers(username)
		if err != nil {
			log.Printf("Failed to list followers of %s: %v", username, err)
			return
		}
		s.post(func() {
			for _, follower := range followers {
				if target, ok := s.online[follower]; ok {
					pkt := protocol.New(protocol.ContactStatusChange)
					pkt.WriteUint32(status)
					pkt.WriteString(username)
					target.send(pkt)
				}
			}
		})
	})
}

// statusOf reports the published status for a username as seen by the
// control loop.
func (s *Server) statusOf(username string) uint32 {
	if _, ok := s.online[username]; !ok {
		return models.StatusOffline
	}
	if st, ok := s.statuses[username]; ok {
		return st
	}
	return models.StatusOnline
}

// GetStats returns server statistics as a formatted string. Safe to
// call from any goroutine: the snapshot is taken on the control loop.
func (s *Server) GetStats() string {
	ch := make(chan string, 1)
	s.post(func() {
		users := make([]string, 0, len(s.online))
		for username := range s.online {
			users = append(users, username)
		}
		sort.Strings(users)
		ch <- "connections=" + strconv.Itoa(len(s.sessions)) +
			",online=" + strconv.Itoa(len(s.online)) +
			",users=" + strings.Join(users, ";")
	})

	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		return ""
	case <-s.done:
		return ""
	}
}

// Shutdown notifies every connected client, closes all connections and
// stops the control loop.
func (s *Server) Shutdown(reason string) {
	s.post(func() {
		for _, sess := range s.sessions {
			s.sendError(sess, "Server shutting down: "+reason)
			sess.close()
		}
		select {
		case <-s.quit:
		default:
			close(s.quit)
		}
	})
	if s.listener != nil {
		s.listener.Close()
	}
	<-s.done
}

func frameTypeName(t uint32) string {
	switch t {
	case protocol.Login:
		return "login"
	case protocol.Register:
		return "register"
	case protocol.LoginSuccess:
		return "login_success"
	case protocol.LoginFailed:
		return "login_failed"
	case protocol.RegisterSuccess:
		return "register_success"
	case protocol.RegisterFailed:
		return "register_failed"
	case protocol.AddContact:
		return "add_contact"
	case protocol.RemoveContact:
		return "remove_contact"
	case protocol.ContactList:
		return "contact_list"
	case protocol.ContactStatusChange:
		return "contact_status_change"
	case protocol.DirectMessage:
		return "direct_message"
	case protocol.MessageSent:
		return "message_sent"
	case protocol.Nudge:
		return "nudge"
	case protocol.VoiceMessage:
		return "voice_message"
	case protocol.TypingIndicator:
		return "typing_indicator"
	case protocol.UpdateAvatar:
		return "update_avatar"
	case protocol.GetAvatar:
		return "get_avatar"
	case protocol.AvatarData:
		return "avatar_data"
	case protocol.GameStatus:
		return "game_status"
	case protocol.Error:
		return "error"
	default:
		return "unknown"
	}
}
