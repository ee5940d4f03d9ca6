package server

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gobwas/ws"

	"github.com/scatter-server/scatter/internal/chat"
	"github.com/scatter-server/scatter/internal/monitoring"
	"github.com/scatter-server/scatter/internal/transport"
)

// frameAllocCeiling bounds a single frame allocation when no message
// size cap is configured.
const frameAllocCeiling int64 = 64 << 20

// handleWS upgrades the connection and hands it to the chat core. The
// close-code contract: 4000 bad query, 4002 unauthorized; both are sent
// as WebSocket close frames after a successful upgrade so the client
// sees a reason instead of a bare HTTP error.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("upgrade").Inc()
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Upgrade failed")
		return
	}

	tc := transport.NewConn(raw, s.logger)
	tc.Start()

	userID, err := strconv.ParseUint(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("bad_query").Inc()
		tc.Close(ws.StatusCode(4000), "Invalid query parameters")
		return
	}

	if !s.authenticator.Validate(r) {
		monitoring.ConnectionsRejected.WithLabelValues("unauthorized").Inc()
		s.logger.Info().
			Uint64("user_id", userID).
			Str("remote", r.RemoteAddr).
			Msg("Upgrade rejected, authentication failed")
		tc.Close(ws.StatusCode(4002), "Unauthorized")
		return
	}

	tc.SetUser(userID)
	s.core.OnConnected(userID, tc)
	s.logger.Info().
		Uint64("user_id", userID).
		Uint64("conn_id", tc.ID()).
		Str("remote", r.RemoteAddr).
		Msg("Connection established")

	go s.readLoop(tc, raw)
}

// readLoop reads raw frames so fragment opcodes reach the assembler.
// It exits on any read error; the deferred teardown is idempotent
// against closes initiated elsewhere (watchdog, invalid payload, stop).
func (s *Server) readLoop(tc *transport.Conn, raw net.Conn) {
	defer monitoring.RecoverPanic(s.logger, "readLoop")
	defer func() {
		s.limiter.Remove(tc.ID())
		tc.Close(ws.StatusNormalClosure, "")
		s.core.OnDisconnected(tc)
		s.logger.Debug().
			Uint64("user_id", tc.User()).
			Uint64("conn_id", tc.ID()).
			Msg("Connection closed")
	}()

	for {
		if s.cfg.IdleTimeout > 0 {
			raw.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		header, err := ws.ReadHeader(raw)
		if err != nil {
			if isTimeout(err) {
				tc.Close(ws.StatusNormalClosure, "idle timeout")
			}
			return
		}

		limit := s.cfg.MaxMessageSize
		if limit <= 0 {
			// The frame buffer is allocated from the client-declared
			// length, so an uncapped endpoint still refuses absurd
			// claims before reading a single payload byte.
			limit = frameAllocCeiling
		}
		if header.Length > limit {
			monitoring.MessagesRejected.WithLabelValues("too_large").Inc()
			tc.Close(ws.StatusMessageTooBig, "Message too big")
			return
		}

		data := make([]byte, header.Length)
		if _, err := io.ReadFull(raw, data); err != nil {
			return
		}
		if header.Masked {
			ws.Cipher(data, header.Mask, 0)
		}

		switch header.OpCode {
		case ws.OpClose:
			return

		case ws.OpPing:
			tc.Pong(data)

		case ws.OpPong:
			s.core.PongReceived(tc)

		case ws.OpText, ws.OpBinary:
			if !s.limiter.Allow(tc.ID()) {
				monitoring.RateLimitedMessages.Inc()
				continue
			}
			if header.Fin {
				s.core.OnFrame(tc, chat.FrameWhole, data)
			} else {
				s.core.OnFrame(tc, chat.FrameBegin, data)
			}

		case ws.OpContinuation:
			if header.Fin {
				s.core.OnFrame(tc, chat.FrameEnd, data)
			} else {
				s.core.OnFrame(tc, chat.FrameContinue, data)
			}
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
