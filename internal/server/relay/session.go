package relay

import (
	"net"

	"go.uber.org/zap"
)

// Session is the per-connection state handed to every handler call.
type Session struct {
	ID     uint64
	Remote net.Addr
	Log    *zap.Logger
}

// RemoteIP returns the host part of the peer address, or "" if unknown.
func (s *Session) RemoteIP() string {
	if s == nil || s.Remote == nil {
		return ""
	}
	addr := s.Remote.String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
