package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goodtune/secondchance/internal/approval"
	"github.com/goodtune/secondchance/internal/coordinator"
	"github.com/goodtune/secondchance/internal/crisis"
	"github.com/goodtune/secondchance/internal/metrics"
	"github.com/goodtune/secondchance/internal/notify"
	"github.com/goodtune/secondchance/internal/policy"
	"github.com/goodtune/secondchance/internal/storage"
	"github.com/rs/zerolog"
)

const (
	maxLineBytes = 64 * 1024
	writeTimeout = 5 * time.Second
)

// Coordinator is the part of the access coordinator the bridge drives
type Coordinator interface {
	HandleEvent(ctx context.Context, ev coordinator.Event) (policy.Decision, error)
	EnableCrisisOverride(ctx context.Context, d time.Duration, source string) crisis.Activation
}

// Approvals resolves supporter decisions relayed by the platform
type Approvals interface {
	Decide(ctx context.Context, requestID string, decision approval.Decision, grantMinutes int) (*storage.ApprovalRequest, error)
}

// Restrictions drops cached restrictions after an out-of-process edit
type Restrictions interface {
	Invalidate(appID string)
}

// Server accepts platform and tool connections. It implements
// coordinator.Observer and notify.Notifier by broadcasting to every
// connected platform.
type Server struct {
	socketPath   string
	listener     net.Listener
	coordinator  Coordinator
	approvals    Approvals
	restrictions Restrictions
	logger       zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type client struct {
	conn net.Conn
	mu   sync.Mutex
	enc  *json.Encoder
	role string // guarded by Server.mu
}

func (c *client) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.enc.Encode(msg)
}

// NewServer creates a bridge server listening on socketPath. Attach must
// be called before Start.
func NewServer(socketPath string, logger zerolog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		logger:     logger.With().Str("component", "bridge").Logger(),
		clients:    make(map[*client]struct{}),
	}
}

// Attach sets the handlers for inbound messages. approvals and
// restrictions may be nil.
func (s *Server) Attach(coord Coordinator, approvals Approvals, restrictions Restrictions) {
	s.coordinator = coord
	s.approvals = approvals
	s.restrictions = restrictions
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start begins accepting connections
func (s *Server) Start() error {
	if s.coordinator == nil {
		return errors.New("bridge: no coordinator attached")
	}
	if s.listener == nil {
		if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
			return fmt.Errorf("failed to create socket directory: %w", err)
		}
		// Remove a stale socket left by a previous run
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
		ln, err := net.Listen("unix", s.socketPath)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
		}
		if err := os.Chmod(s.socketPath, 0o660); err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to set socket permissions: %w", err)
		}
		s.listener = ln
	} else {
		s.logger.Debug().Msg("Using systemd socket-activated bridge listener")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.logger.Info().Str("addr", s.listener.Addr().String()).Msg("Starting bridge")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every client connection
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping bridge")
	if s.cancel != nil {
		s.cancel()
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for c := range s.clients {
		_ = c.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("Accept failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		c := &client{conn: conn, enc: json.NewEncoder(conn)}
		s.addClient(c)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.removeClient(c)
			s.serve(c)
		}()
	}
}

func (s *Server) serve(c *client) {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("Malformed bridge message")
			_ = c.send(Message{Type: TypeError, Error: fmt.Sprintf("invalid message: %v", err)})
			continue
		}

		reply := s.dispatch(s.ctx, c, msg)
		reply.ID = msg.ID
		if err := c.send(reply); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to write bridge reply")
			return
		}
	}

	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		s.logger.Debug().Err(err).Msg("Bridge connection closed")
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, msg Message) Message {
	switch msg.Type {
	case TypeHello:
		switch msg.Role {
		case RolePlatform, RoleTool:
			s.setRole(c, msg.Role, true)
			return Message{Type: TypeWelcome, Role: msg.Role}
		default:
			return errorMessage(fmt.Errorf("unknown role %q", msg.Role))
		}

	case TypeAppEvent:
		s.setRole(c, RolePlatform, false)
		ev := coordinator.Event{AppID: msg.AppID, Kind: msg.Kind}
		if msg.Timestamp != nil {
			ev.Timestamp = *msg.Timestamp
		}
		decision, err := s.coordinator.HandleEvent(ctx, ev)
		if err != nil {
			return errorMessage(err)
		}
		return decisionMessage(msg.AppID, decision)

	case TypeCrisis:
		// No authorization: crisis access must never be gated.
		source := msg.Source
		if source == "" {
			source = "bridge"
		}
		act := s.coordinator.EnableCrisisOverride(ctx, time.Duration(msg.Minutes)*time.Minute, source)
		expires := act.ExpiresAt
		return Message{Type: TypeCrisisActive, ExpiresAt: &expires}

	case TypeApprovalDecision:
		if s.approvals == nil {
			return errorMessage(errors.New("approvals are not enabled"))
		}
		decision, err := approval.ParseDecision(msg.Decision)
		if err != nil {
			return errorMessage(err)
		}
		req, err := s.approvals.Decide(ctx, msg.RequestID, decision, msg.GrantMinutes)
		if err != nil {
			reply := errorMessage(err)
			reply.RequestID = msg.RequestID
			if req != nil {
				reply.Status = string(req.Status)
			}
			return reply
		}
		return Message{
			Type:      TypeApprovalResult,
			RequestID: req.ID,
			AppID:     req.AppID,
			Status:    string(req.Status),
			ExpiresAt: req.GrantedUntil,
		}

	case TypeRestrictionsChanged:
		if s.restrictions != nil {
			s.restrictions.Invalidate(msg.AppID)
		}
		s.logger.Info().Str("app_id", msg.AppID).Msg("Restriction cache invalidated")
		return Message{Type: TypeAck, AppID: msg.AppID}

	case TypePing:
		return Message{Type: TypePong}

	default:
		return errorMessage(fmt.Errorf("unknown message type %q", msg.Type))
	}
}

// ForceNavigateHome asks every connected platform to leave appID
func (s *Server) ForceNavigateHome(_ context.Context, appID string) error {
	return s.broadcast(Message{Type: TypeNavigateHome, AppID: appID})
}

// AccessRestored tells every connected platform appID may be opened again
func (s *Server) AccessRestored(_ context.Context, appID string) error {
	return s.broadcast(Message{Type: TypeAccessRestored, AppID: appID})
}

// Notify delivers a notice to every connected platform
func (s *Server) Notify(_ context.Context, n notify.Notice) error {
	return s.broadcast(Message{Type: TypeNotice, AppID: n.AppID, Notice: &n})
}

// Clients returns the number of connections of any role
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Platforms returns the number of connected platforms
func (s *Server) Platforms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.platformsLocked()
}

func (s *Server) platformsLocked() int {
	n := 0
	for c := range s.clients {
		if c.role == RolePlatform {
			n++
		}
	}
	return n
}

// setRole records the role of c. Without override an existing role is kept.
func (s *Server) setRole(c *client, role string, override bool) {
	s.mu.Lock()
	if c.role == role || (c.role != "" && !override) {
		s.mu.Unlock()
		return
	}
	c.role = role
	n := s.platformsLocked()
	s.mu.Unlock()

	metrics.BridgeConnections.Set(float64(n))
	s.logger.Info().Str("role", role).Int("platforms", n).Msg("Connection identified")
}

// broadcast succeeds if at least one platform accepted msg
func (s *Server) broadcast(msg Message) error {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if c.role == RolePlatform {
			clients = append(clients, c)
		}
	}
	s.mu.Unlock()

	if len(clients) == 0 {
		return ErrNoClients
	}

	var firstErr error
	delivered := 0
	for _, c := range clients {
		if err := c.send(msg); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			_ = c.conn.Close()
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return fmt.Errorf("bridge: delivery failed: %w", firstErr)
	}
	return nil
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()

	s.logger.Debug().Int("clients", n).Msg("Bridge connection accepted")
}

func (s *Server) removeClient(c *client) {
	_ = c.conn.Close()

	s.mu.Lock()
	delete(s.clients, c)
	role := c.role
	n := s.platformsLocked()
	s.mu.Unlock()

	metrics.BridgeConnections.Set(float64(n))
	s.logger.Info().Str("role", role).Int("platforms", n).Msg("Bridge connection closed")
}

func decisionMessage(appID string, d policy.Decision) Message {
	remaining := d.Remaining
	if d.Source == policy.SourceGrant {
		remaining = d.GrantRemaining
	}
	return Message{
		Type:             TypeDecision,
		AppID:            appID,
		Action:           string(d.Action),
		Source:           string(d.Source),
		Reason:           d.Reason,
		RemainingSeconds: int64(remaining / time.Second),
		Warnings:         d.Warnings,
	}
}

func errorMessage(err error) Message {
	return Message{Type: TypeError, Error: err.Error()}
}
