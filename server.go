package capnweb

import (
	"bufio"
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // demo endpoints; a production deployment restricts this
	},
}

// SetupRpcEndpoint mounts both a WebSocket and an HTTP batch endpoint
// at path on e, each backed by its own Session rooted at bootstrap.
// Generalizes the teacher's SetupRpcEndpoint (server.go), swapping the
// single-line HandleMessage call for a full ParseBatch/ApplyMessage/
// SerializeBatch round trip and adding an Outbox pump so capabilities
// can push unsolicited messages over the WebSocket leg.
func SetupRpcEndpoint(e *echo.Echo, path string, bootstrap RpcTarget) {
	e.GET(path, func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Printf("capnweb: websocket upgrade error: %v", err)
			return err
		}
		defer conn.Close()

		session := NewSession(bootstrap)
		log.Printf("capnweb: session %s opened", session.ID)
		defer log.Printf("capnweb: session %s closed", session.ID)

		ctx, cancel := context.WithCancel(c.Request().Context())
		defer cancel()

		go pumpOutbox(ctx, session, conn)

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("capnweb: websocket read error: %v", err)
				}
				break
			}

			line := strings.TrimSpace(string(message))
			if line == "" {
				continue
			}
			reply, err := applyLine(ctx, session, line)
			if err != nil {
				log.Printf("capnweb: error processing websocket message: %v", err)
				continue
			}
			if reply == "" {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				log.Printf("capnweb: error writing websocket response: %v", err)
				break
			}
		}
	})

	e.POST(path, func(c echo.Context) error {
		c.Response().Header().Set("Content-Type", "text/plain")
		defer c.Request().Body.Close()

		session := NewSession(bootstrap)
		scanner := bufio.NewScanner(c.Request().Body)
		var responses []string

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			reply, err := applyLine(c.Request().Context(), session, line)
			if err != nil {
				log.Printf("capnweb: error processing http message: %v", err)
				continue
			}
			if reply != "" {
				responses = append(responses, reply)
			}
		}

		if err := scanner.Err(); err != nil {
			log.Printf("capnweb: error reading http body: %v", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "error reading request body")
		}

		return c.String(http.StatusOK, strings.Join(responses, "\n"))
	})
}

// applyLine parses and applies a single wire-protocol line, returning
// its encoded reply line, if any.
func applyLine(ctx context.Context, session *Session, line string) (string, error) {
	msgs, err := ParseBatch([]byte(line))
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", nil
	}
	reply, err := session.ApplyMessage(ctx, msgs[0])
	if err != nil {
		return "", err
	}
	if reply == nil {
		return "", nil
	}
	out, err := SerializeBatch([]Message{*reply})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// pumpOutbox drains a session's asynchronous outbound queue onto a
// live WebSocket connection until ctx is canceled, supporting the
// server-push scenario where a capability proactively notifies its
// caller outside the pull request/response cycle.
func pumpOutbox(ctx context.Context, session *Session, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-session.Outbox:
			out, err := SerializeBatch([]Message{msg})
			if err != nil {
				log.Printf("capnweb: error serializing outbound message: %v", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				log.Printf("capnweb: error writing pushed message: %v", err)
				return
			}
		}
	}
}

// SetupEchoServer creates and configures an Echo server with common
// middleware, unchanged from the teacher's SetupEchoServer.
func SetupEchoServer() *echo.Echo {
	e := echo.New()

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.HideBanner = true

	return e
}
