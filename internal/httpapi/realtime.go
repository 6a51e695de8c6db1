package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/andromeda/internal/apierror"
	"github.com/antoniostano/andromeda/internal/protocol"
	"github.com/antoniostano/andromeda/internal/session"
)

const (
	wsReadLimit    = 1 << 20
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	// Browsers cannot send ping frames, so the server pings and the pong
	// moves the read deadline.
	wsPingPeriod = wsReadTimeout / 2
)

// handleSessionWS attaches a realtime client to a session. The session is
// Active while the socket is open. On detach it goes back to Idle(now), or
// is ended when the client sent a logout control first.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if _, err := s.sessions.Check(sessionID); err != nil {
		apierror.Write(w, apierror.WithDetail(err, `"session_id" is wrong`))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	state, err := s.sessions.Activate(sessionID)
	if err != nil {
		// Ended between the check and the upgrade.
		s.writeFrame(conn, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "session_not_found",
			Detail:    err.Error(),
		})
		return
	}
	s.sessionEvent("activated")
	s.logger.Debug().Str("session_id", sessionID).Msg("realtime client attached")

	if !s.writeFrame(conn, stateFrame(sessionID, state)) {
		s.detach(sessionID, false)
		return
	}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.keepAlive(conn, stopPing)

	logout := false
readLoop:
	for !logout {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.countFrame("inbound", "invalid")
			if !s.writeFrame(conn, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			}) {
				break readLoop
			}
			continue
		}
		if t, ok := protocol.TypeOf(parsed); ok {
			s.countFrame("inbound", string(t))
		}

		control, ok := parsed.(protocol.ClientControl)
		if !ok {
			continue
		}
		switch control.Action {
		case protocol.ActionLogout:
			logout = true
		case protocol.ActionPing:
			current, err := s.sessions.Check(sessionID)
			if err != nil {
				s.writeFrame(conn, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      "session_not_found",
					Detail:    err.Error(),
				})
				return
			}
			if !s.writeFrame(conn, stateFrame(sessionID, current)) {
				break readLoop
			}
		}
	}

	s.detach(sessionID, logout)
	if logout {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"),
			time.Now().Add(wsWriteTimeout),
		)
	}
}

func (s *Server) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// detach applies the state change for a closed socket. The session may
// already be gone (ended elsewhere), which is not an error here.
func (s *Server) detach(sessionID string, logout bool) {
	var err error
	event := "deactivated"
	if logout {
		_, err = s.sessions.End(sessionID)
		event = "ended"
	} else {
		_, err = s.sessions.Deactivate(sessionID, time.Time{})
	}
	if err != nil {
		s.logger.Debug().Err(err).Str("session_id", sessionID).Msg("detach on missing session")
		s.publishSessionCounts()
		return
	}
	s.sessionEvent(event)
	s.logger.Debug().Str("session_id", sessionID).Bool("logout", logout).Msg("realtime client detached")
}

func (s *Server) writeFrame(conn *websocket.Conn, msg any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Msg("websocket write failed")
		return false
	}
	if t, ok := protocol.TypeOf(msg); ok {
		s.countFrame("outbound", string(t))
	}
	return true
}

func (s *Server) countFrame(direction, typ string) {
	if s.metrics == nil {
		return
	}
	s.metrics.WSMessages.WithLabelValues(direction, typ).Inc()
}

func stateFrame(sessionID string, st session.State) protocol.SessionState {
	return protocol.SessionState{
		Type:      protocol.TypeSessionState,
		SessionID: sessionID,
		State:     string(st.Kind),
		TSMs:      time.Now().UnixMilli(),
	}
}
