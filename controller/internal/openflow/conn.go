package openflow

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/yanet-platform/fabricd/controller/internal/fabric"
)

// Conn is a single switch session. It implements fabric.Switch.
type Conn struct {
	conn         net.Conn
	reader       *bufio.Reader
	id           fabric.DatapathID
	writeTimeout time.Duration
	xid          atomic.Uint32
	mu           sync.Mutex
	closeOnce    sync.Once
	closed       chan struct{}
	log          *zap.SugaredLogger
}

func newConn(conn net.Conn, writeTimeout time.Duration, log *zap.SugaredLogger) *Conn {
	return &Conn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
		log:          log.With(zap.Stringer("remote", conn.RemoteAddr())),
	}
}

// ID returns the datapath ID learned during the handshake.
func (m *Conn) ID() fabric.DatapathID {
	return m.id
}

// RequestPortStats sends a port statistics request.
func (m *Conn) RequestPortStats(ctx context.Context, port fabric.PortNo) error {
	return m.send(ctx, TypeMultipartRequest, EncodePortStatsRequest(port))
}

// InstallFlow sends a FLOW_MOD adding the rule.
func (m *Conn) InstallFlow(ctx context.Context, rule fabric.FlowRule) error {
	body, err := EncodeFlowMod(rule)
	if err != nil {
		return err
	}
	return m.send(ctx, TypeFlowMod, body)
}

// Close closes the connection. It is safe to call several times.
func (m *Conn) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		err = m.conn.Close()
	})
	return err
}

func (m *Conn) send(ctx context.Context, typ MsgType, body []byte) error {
	return m.write(ctx, typ, m.xid.Add(1), body)
}

func (m *Conn) write(ctx context.Context, typ MsgType, xid uint32, body []byte) error {
	select {
	case <-m.closed:
		return fabric.ErrSwitchClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	msg := AppendMessage(nil, typ, xid, body)

	m.mu.Lock()
	defer m.mu.Unlock()

	deadline := time.Time{}
	if m.writeTimeout > 0 {
		deadline = time.Now().Add(m.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := m.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if _, err := m.conn.Write(msg); err != nil {
		return fmt.Errorf("failed to write %s: %w", typ, err)
	}

	return nil
}

// handshake exchanges HELLO messages and learns the datapath ID.
func (m *Conn) handshake(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		if err := m.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
		defer m.conn.SetReadDeadline(time.Time{})

		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := m.send(ctx, TypeHello, nil); err != nil {
		return err
	}

	msg, err := m.await(ctx, TypeHello)
	if err != nil {
		return err
	}
	if msg.Version < Version {
		return fmt.Errorf("unsupported protocol version 0x%02x", msg.Version)
	}

	if err := m.send(ctx, TypeFeaturesRequest, nil); err != nil {
		return err
	}

	msg, err = m.await(ctx, TypeFeaturesReply)
	if err != nil {
		return err
	}

	id, err := DecodeFeaturesReply(msg.Body)
	if err != nil {
		return err
	}
	m.id = id
	m.log = m.log.With(zap.Stringer("dpid", id))

	return nil
}

// await reads messages until one of the given type arrives, answering
// keepalives on the way.
func (m *Conn) await(ctx context.Context, typ MsgType) (Message, error) {
	for {
		msg, err := ReadMessage(m.reader)
		if err != nil {
			return Message{}, fmt.Errorf("failed to wait for %s: %w", typ, err)
		}

		switch msg.Type {
		case typ:
			return msg, nil
		case TypeEchoRequest:
			if err := m.write(ctx, TypeEchoReply, msg.Xid, msg.Body); err != nil {
				return Message{}, err
			}
		case TypeError:
			return Message{}, m.switchError(msg)
		default:
			m.log.Debugw("skipping message during handshake", zap.Stringer("type", msg.Type))
		}
	}
}

// serve dispatches incoming messages until the connection fails.
func (m *Conn) serve(ctx context.Context, handler fabric.EventHandler) error {
	for {
		msg, err := ReadMessage(m.reader)
		if err != nil {
			return err
		}

		switch msg.Type {
		case TypeEchoRequest:
			if err := m.write(ctx, TypeEchoReply, msg.Xid, msg.Body); err != nil {
				return err
			}
		case TypeMultipartReply:
			stats, ok, err := DecodePortStatsReply(msg.Body)
			if err != nil {
				m.log.Warnw("failed to decode multipart reply", zap.Error(err))
				continue
			}
			if ok {
				handler.OnPortStatsReply(ctx, m, stats)
			}
		case TypeError:
			m.log.Warnw("switch reported an error", zap.Error(m.switchError(msg)))
		case TypeEchoReply, TypeHello:
		default:
			m.log.Debugw("ignoring message", zap.Stringer("type", msg.Type))
		}
	}
}

func (m *Conn) switchError(msg Message) error {
	typ, code, err := DecodeError(msg.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("switch error type=%d code=%d", typ, code)
}
