package server

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/hocbridge/internal/logger"
	"github.com/ehrlich-b/hocbridge/internal/protocol"
)

// authTimeout is how long an unauthenticated connection may idle
// before the bridge closes it.
const authTimeout = 30 * time.Second

func (c *conn) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// setAuthed marks the connection authenticated.
func (c *conn) setAuthed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authed = true
}

// armAuthTimer starts the handshake deadline. A connection that has
// not authenticated when it fires is told why and closed.
func (c *conn) armAuthTimer() *time.Timer {
	return time.AfterFunc(authTimeout, func() {
		if c.isAuthed() {
			return
		}
		c.send(protocol.NewError(protocol.CodeAuthFailed, "authentication timeout"))
		c.sendClose(websocket.StatusPolicyViolation, "authentication timeout")
	})
}

// handleAuth checks the presented token. The comparison is constant
// time, so a wrong token and a near-miss cost the same.
func (c *conn) handleAuth(ctx context.Context, m *protocol.Authenticate) {
	if c.isAuthed() {
		logger.Warn("authenticate on an authenticated connection", "conn", c.id)
		c.send(protocol.NewError(protocol.CodeInvalidMessage, "already authenticated"))
		return
	}
	if c.srv.token != "" &&
		subtle.ConstantTimeCompare([]byte(m.Token), []byte(c.srv.token)) != 1 {
		c.send(protocol.NewError(protocol.CodeAuthFailed, "invalid token"))
		c.sendClose(websocket.StatusPolicyViolation, "authentication failed")
		return
	}
	c.setAuthed()
	c.send(protocol.AuthSuccess{Type: protocol.TypeAuthSuccess, Version: protocol.Version})
	logger.Info("client authenticated", "conn", c.id)
	go c.pumpEvents(ctx)
}
