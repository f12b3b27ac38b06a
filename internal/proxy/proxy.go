// Package proxy implements the authorisation proxy that fronts the pub/sub
// store. Clients speak the plain store protocol to it; the proxy enforces the
// channel ACL on publishes, rewrites payloads and fans messages out to
// subscriber sessions.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voluntix/coordinator/internal/channel"
	"github.com/voluntix/coordinator/internal/message"
	"github.com/voluntix/coordinator/internal/metrics"
	"github.com/voluntix/coordinator/internal/resp"
	"github.com/voluntix/coordinator/internal/token"
)

// Wire errors returned to clients. Spelled like native store errors so
// standard client libraries surface them cleanly.
const (
	errNoAuth    = "ERR NOAUTH Permission denied"
	errWrongType = "ERR WRONGTYPE Invalid JSON format"
)

// Options configures a Server.
type Options struct {
	ListenAddr   string
	UpstreamAddr string
	Registry     *channel.Registry
	Tokens       *token.Service
	Transform    Transformer
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Server is the authorisation proxy.
type Server struct {
	listenAddr string
	upstream   string
	registry   *channel.Registry
	tokens     *token.Service
	transform  Transformer
	metrics    *metrics.Metrics
	log        *slog.Logger
	sessions   *sessionTable
	rdb        *redis.Client
}

// New builds a Server from options. Transform defaults to the standard
// pipeline.
func New(opts Options) (*Server, error) {
	if opts.ListenAddr == "" || opts.UpstreamAddr == "" {
		return nil, fmt.Errorf("proxy: listen and upstream addresses are required")
	}
	if opts.Registry == nil || opts.Tokens == nil {
		return nil, fmt.Errorf("proxy: registry and token service are required")
	}
	if opts.Transform == nil {
		opts.Transform = DefaultTransformers()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		listenAddr: opts.ListenAddr,
		upstream:   opts.UpstreamAddr,
		registry:   opts.Registry,
		tokens:     opts.Tokens,
		transform:  opts.Transform,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		sessions:   newSessionTable(),
		rdb:        redis.NewClient(&redis.Options{Addr: opts.UpstreamAddr}),
	}, nil
}

// Serve accepts client connections until ctx is cancelled. The fan-out
// listener runs for the lifetime of the server.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", s.listenAddr, err)
	}
	s.log.Info("proxy listening", "addr", s.listenAddr, "upstream", s.upstream)

	go s.fanout(ctx)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sess := s.sessions.add(conn)
	if s.metrics != nil {
		s.metrics.ProxyConnections.WithLabelValues("active").Inc()
	}
	defer func() {
		s.sessions.remove(sess.id)
		conn.Close()
		if s.metrics != nil {
			s.metrics.ProxyConnections.WithLabelValues("active").Dec()
		}
	}()

	var (
		upstream  net.Conn
		upReader  *resp.Reader
		clientIP  = remoteIP(conn)
		reader    = resp.NewReader(conn)
		passthrou = func(raw []byte) error {
			if upstream == nil {
				c, err := net.DialTimeout("tcp", s.upstream, 5*time.Second)
				if err != nil {
					sess.write(resp.EncodeError("ERR upstream unavailable"))
					return err
				}
				upstream = c
				upReader = resp.NewReader(c)
			}
			if _, err := upstream.Write(raw); err != nil {
				return err
			}
			reply, err := upReader.ReadReply()
			if err != nil {
				return err
			}
			return sess.write(reply)
		}
	)
	defer func() {
		if upstream != nil {
			upstream.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		cmd, err := reader.ReadCommand()
		if err != nil {
			if errors.Is(err, resp.ErrMalformed) && cmd != nil && len(cmd.Raw) > 0 {
				// Not something we mediate: stay transparent.
				if err := passthrou(cmd.Raw); err != nil {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.log.Debug("client read failed", "error", err)
			}
			return
		}

		switch cmd.Name {
		case resp.CmdPublish:
			if err := s.handlePublish(sess, cmd, clientIP); err != nil {
				return
			}
		case resp.CmdSubscribe:
			if len(cmd.Args) == 0 {
				sess.write(resp.EncodeError("ERR wrong number of arguments for 'subscribe' command"))
				continue
			}
			for _, ch := range cmd.Args {
				count := sess.subscribe(ch)
				if err := sess.write(resp.EncodeSubscribeReply("subscribe", ch, count)); err != nil {
					return
				}
			}
		case resp.CmdPSubscribe:
			if len(cmd.Args) == 0 {
				sess.write(resp.EncodeError("ERR wrong number of arguments for 'psubscribe' command"))
				continue
			}
			for _, p := range cmd.Args {
				count := sess.psubscribe(p)
				if err := sess.write(resp.EncodeSubscribeReply("psubscribe", p, count)); err != nil {
					return
				}
			}
		case resp.CmdUnsubscribe:
			names := cmd.Args
			if len(names) == 0 {
				sess.mu.Lock()
				for ch := range sess.channels {
					names = append(names, ch)
				}
				sess.mu.Unlock()
			}
			for _, ch := range names {
				count := sess.unsubscribe(ch)
				if err := sess.write(resp.EncodeSubscribeReply("unsubscribe", ch, count)); err != nil {
					return
				}
			}
		case resp.CmdPUnsubscribe:
			names := cmd.Args
			if len(names) == 0 {
				sess.mu.Lock()
				for p := range sess.patterns {
					names = append(names, p)
				}
				sess.mu.Unlock()
			}
			for _, p := range names {
				count := sess.punsubscribe(p)
				if err := sess.write(resp.EncodeSubscribeReply("punsubscribe", p, count)); err != nil {
					return
				}
			}
		default:
			if err := passthrou(cmd.Raw); err != nil {
				return
			}
		}
	}
}

// handlePublish authorises, transforms and forwards one PUBLISH. The reply
// to the publisher is the number of proxy sessions the message will reach.
func (s *Server) handlePublish(sess *session, cmd *resp.Command, clientIP string) error {
	start := time.Now()
	if len(cmd.Args) < 2 {
		return sess.write(resp.EncodeError("ERR wrong number of arguments for 'publish' command"))
	}
	ch, payload := cmd.Args[0], cmd.Args[1]

	record := func(decision string) {
		if s.metrics != nil {
			s.metrics.RecordPublish(ch, decision, time.Since(start).Seconds())
		}
	}

	env, err := message.Decode([]byte(payload))
	if err != nil || env.Data == nil {
		record("malformed")
		return sess.write(resp.EncodeError(errWrongType))
	}

	senderID, role := sess.identity()
	if env.Token != "" {
		claims, err := s.tokens.Verify(env.Token)
		if err != nil {
			s.log.Debug("rejected token on publish", "channel", ch, "error", err)
		} else {
			senderID, role = claims.UserID, claims.Role
			sess.identify(senderID, role)
		}
	}
	if role == "" && isLoopback(clientIP) {
		// Local processes are trusted; the coordinator itself connects
		// over the loopback before its token file exists.
		role = token.RoleCoordinator
	}
	if senderID == "" {
		senderID = env.Sender.ID
	}

	if !s.registry.Authorized(role, ch) {
		record("denied")
		s.log.Info("publish denied", "channel", ch, "role", role, "client_ip", clientIP)
		return sess.write(resp.EncodeError(errNoAuth))
	}

	out := s.transform(PublishInfo{
		Channel:    ch,
		ClientIP:   clientIP,
		SenderID:   senderID,
		SenderRole: role,
	}, env)
	encoded, err := out.Encode()
	if err != nil {
		record("malformed")
		return sess.write(resp.EncodeError(errWrongType))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.rdb.Publish(ctx, ch, encoded).Err(); err != nil {
		record("denied")
		s.log.Warn("upstream publish failed", "channel", ch, "error", err)
		return sess.write(resp.EncodeError("ERR upstream unavailable"))
	}

	record("allowed")
	return sess.write(resp.EncodeInteger(int64(s.receiverCount(ch))))
}

func (s *Server) receiverCount(ch string) int {
	n := 0
	for _, sess := range s.sessions.snapshot() {
		if sess.wants(ch) {
			n++
		}
	}
	return n
}

// fanout subscribes to every registered channel upstream and replays each
// message to the proxy sessions subscribed to it.
func (s *Server) fanout(ctx context.Context) {
	pubsub := s.rdb.Subscribe(ctx, s.registry.Concrete()...)
	if patterns := s.registry.Patterns(); len(patterns) > 0 {
		if err := pubsub.PSubscribe(ctx, patterns...); err != nil {
			s.log.Warn("pattern subscribe failed", "error", err)
		}
	}
	defer pubsub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			s.deliver(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (s *Server) deliver(ch string, payload []byte) {
	frame := resp.EncodeMessage(ch, payload)
	for _, sess := range s.sessions.snapshot() {
		if !sess.wants(ch) {
			continue
		}
		if err := sess.write(frame); err != nil {
			// Only the broken session is dropped; everyone else still
			// gets the message.
			s.sessions.remove(sess.id)
			sess.conn.Close()
			if s.metrics != nil {
				s.metrics.RecordFanout(ch, false)
			}
			s.log.Info("dropped subscriber session", "session", sess.id, "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordFanout(ch, true)
		}
	}
}

// Sessions reports the number of live client connections.
func (s *Server) Sessions() int {
	return s.sessions.size()
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
