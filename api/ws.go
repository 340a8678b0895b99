package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"

	"github.com/xiaoyuanzhu-com/claude-bridge/log"
)

// pingInterval keeps idle browser sockets alive through proxies.
const pingInterval = 30 * time.Second

// BrowserWebSocket handles /ws/browser/:id: the N-browser fan-out side of the
// bridge. Text frames in both directions.
func (h *Handlers) BrowserWebSocket(c *gin.Context) {
	sessionID := c.Param("id")

	// Gin wraps the response writer; WebSocket needs the raw one for hijacking.
	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	conn, err := websocket.Accept(w, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // auth is handled by middleware
	})
	if err != nil {
		logger.Error().Err(err).Str("sessionId", sessionID).Msg("browser WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	log.MarkHijacked(c)
	c.Abort()

	// Gin's request context doesn't cancel when the WebSocket closes.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	client := h.Bridge.AttachBrowser(sessionID)
	defer h.Bridge.DetachBrowser(sessionID, client)

	logger.Info().Str("sessionId", sessionID).Msg("browser attached")

	// Drain the bridge's send channel into the socket.
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-client.Send:
				if !ok {
					// Bridge removed this client.
					conn.Close(websocket.StatusNormalClosure, "")
					return
				}
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					if ctx.Err() == nil {
						logger.Debug().Err(err).Str("sessionId", sessionID).Msg("browser write failed")
					}
					return
				}
			}
		}
	}()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				if err := conn.Ping(ctx); err != nil {
					return
				}
			}
		}
	}()

	for {
		msgType, msg, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusGoingAway ||
				closeStatus == websocket.StatusNormalClosure ||
				closeStatus == websocket.StatusNoStatusRcvd {
				logger.Debug().Str("sessionId", sessionID).Msg("browser WebSocket closed")
			} else {
				logger.Info().Err(err).Str("sessionId", sessionID).Msg("browser WebSocket read error")
			}
			cancel()
			break
		}

		if msgType != websocket.MessageText {
			continue
		}

		h.Bridge.HandleBrowserData(sessionID, msg)
	}

	<-sendDone
	<-pingDone
}

var subprocessUpgrader = gorilla.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// The subprocess dials from localhost with no browser origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// cliSocket adapts a gorilla connection to the bridge's subprocess socket.
// Writes are serialized; gorilla connections allow one concurrent writer.
type cliSocket struct {
	conn *gorilla.Conn
	mu   sync.Mutex
}

func (s *cliSocket) SendLine(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := make([]byte, 0, len(frame)+1)
	line = append(line, frame...)
	line = append(line, '\n')
	return s.conn.WriteMessage(gorilla.TextMessage, line)
}

func (s *cliSocket) Close() error {
	return s.conn.Close()
}

// SubprocessWebSocket handles /ws/sub/:id: the NDJSON channel the spawned
// subprocess dials back on. The path parameter must be a well-formed session
// id; the endpoint itself is unauthenticated because only local children know
// the per-session URL.
func (h *Handlers) SubprocessWebSocket(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := uuid.Parse(sessionID); err != nil {
		RespondBadRequest(c, "invalid session id")
		return
	}

	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	conn, err := subprocessUpgrader.Upgrade(w, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Str("sessionId", sessionID).Msg("subprocess WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	log.MarkHijacked(c)
	c.Abort()

	sock := &cliSocket{conn: conn}
	h.Bridge.AttachCLI(sessionID, sock)
	defer h.Bridge.DetachCLI(sessionID, sock)

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(gorilla.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if gorilla.IsUnexpectedCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
				logger.Info().Err(err).Str("sessionId", sessionID).Msg("subprocess WebSocket read error")
			} else {
				logger.Debug().Str("sessionId", sessionID).Msg("subprocess WebSocket closed")
			}
			break
		}

		if msgType != gorilla.TextMessage {
			continue
		}

		h.Bridge.HandleCLIData(sessionID, msg)
	}
}
