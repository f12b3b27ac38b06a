package proxy

import (
	"net"
	"path"
	"strings"
	"sync"
)

// session is one client connection with its subscription state and, once a
// token has been seen, the publisher identity it proved.
type session struct {
	id   uint64
	conn net.Conn

	writeMu sync.Mutex // serialises fan-out writes against reply relaying

	mu       sync.Mutex
	channels map[string]bool // exact subscriptions
	patterns map[string]bool // glob subscriptions
	userID   string
	role     string
}

func (s *session) subscribe(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[channel] = true
	return len(s.channels) + len(s.patterns)
}

func (s *session) psubscribe(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns[pattern] = true
	return len(s.channels) + len(s.patterns)
}

func (s *session) unsubscribe(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channel)
	return len(s.channels) + len(s.patterns)
}

func (s *session) punsubscribe(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.patterns, pattern)
	return len(s.channels) + len(s.patterns)
}

// wants reports whether a message on channel should be delivered here.
func (s *session) wants(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[channel] {
		return true
	}
	for p := range s.patterns {
		if globMatch(p, channel) {
			return true
		}
	}
	return false
}

func (s *session) identify(userID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.role = role
}

func (s *session) identity() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.role
}

// write sends raw bytes on the client connection, serialised against
// concurrent fan-out deliveries.
func (s *session) write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(b)
	return err
}

// globMatch applies glob-style pattern semantics. path.Match covers
// the "prefix/*" forms used here; a bare "*" matches everything.
func globMatch(pattern, channel string) bool {
	if pattern == "*" {
		return true
	}
	// "coord/heartbeat/*" should also cover nested segments.
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*"))
	}
	ok, err := path.Match(pattern, channel)
	return err == nil && ok
}

// sessionTable tracks every live client connection.
type sessionTable struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{byID: make(map[uint64]*session)}
}

func (t *sessionTable) add(conn net.Conn) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	s := &session{
		id:       t.nextID,
		conn:     conn,
		channels: make(map[string]bool),
		patterns: make(map[string]bool),
	}
	t.byID[s.id] = s
	return s
}

func (t *sessionTable) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

// snapshot returns the live sessions. Delivery iterates over a copy so a
// slow subscriber never holds the table lock.
func (t *sessionTable) snapshot() []*session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*session, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	return out
}

func (t *sessionTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
