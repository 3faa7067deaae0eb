package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/openlocus/locus/internal/adapters/id"
	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/engine"
	"github.com/openlocus/locus/internal/graph"
)

const wsWriteTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Locus HTTP/WebSocket server",
		Long: `Start the Locus server. Clients stream turns over the WebSocket
endpoint (/ws, msgpack frames) or use the synchronous REST endpoint
(POST /api/v1/chat).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Shutdown(context.Background())

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Logger)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/ws", wsHandler(eng))
	router.Post("/api/v1/chat", chatHandler(eng))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{Addr: addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Server] Listening on http://%s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("[Server] Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// turnRequest is the wire shape of one user turn, shared by the REST and
// WebSocket surfaces.
type turnRequest struct {
	Input         string              `json:"input" msgpack:"input"`
	Mode          string              `json:"mode,omitempty" msgpack:"mode"`
	SessionID     string              `json:"session_id,omitempty" msgpack:"session_id"`
	SkipWebSearch bool                `json:"skip_web_search,omitempty" msgpack:"skip_web_search"`
	Attachments   []models.Attachment `json:"attachments,omitempty" msgpack:"attachments"`
}

// eventFrame is the wire shape of one streamed graph event.
type eventFrame struct {
	Type    string `json:"type" msgpack:"type"`
	Node    string `json:"node,omitempty" msgpack:"node,omitempty"`
	Content string `json:"content,omitempty" msgpack:"content,omitempty"`
	Tool    string `json:"tool,omitempty" msgpack:"tool,omitempty"`
	Done    bool   `json:"done,omitempty" msgpack:"done,omitempty"`
}

func toFrame(ev graph.Event) eventFrame {
	return eventFrame{
		Type:    string(ev.Type),
		Node:    ev.Node,
		Content: ev.Content,
		Tool:    ev.Tool,
		Done:    ev.Type == graph.EventGraphEnd,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsHandler streams turns over one WebSocket connection. Each incoming
// msgpack turnRequest frame produces a sequence of eventFrame messages ending
// with an on_graph_end frame.
func wsHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[Server] WebSocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("[Server] WebSocket read failed: %v", err)
				}
				return
			}

			var req turnRequest
			if msgType == websocket.TextMessage {
				err = json.Unmarshal(data, &req)
			} else {
				err = msgpack.Unmarshal(data, &req)
			}
			if err != nil {
				writeFrame(conn, msgType, eventFrame{Type: "error", Content: "malformed request"})
				continue
			}
			if req.SessionID == "" {
				req.SessionID = id.NewSession()
			}

			events, err := eng.ProcessUserRequest(r.Context(), engine.Request{
				Input:         req.Input,
				Mode:          req.Mode,
				SessionID:     req.SessionID,
				SkipWebSearch: req.SkipWebSearch,
				Attachments:   req.Attachments,
			})
			if err != nil {
				writeFrame(conn, msgType, eventFrame{Type: "error", Content: err.Error()})
				continue
			}
			for ev := range events {
				if err := writeFrame(conn, msgType, toFrame(ev)); err != nil {
					log.Printf("[Server] WebSocket write failed: %v", err)
					return
				}
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, msgType int, frame eventFrame) error {
	var data []byte
	var err error
	if msgType == websocket.TextMessage {
		data, err = json.Marshal(frame)
	} else {
		data, err = msgpack.Marshal(frame)
	}
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(msgType, data)
}

// chatHandler is the synchronous REST surface: it runs the turn to completion
// and returns the accumulated response.
func chatHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req turnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"malformed request"}`, http.StatusBadRequest)
			return
		}
		if req.SessionID == "" {
			req.SessionID = id.NewSession()
		}

		events, err := eng.ProcessUserRequest(r.Context(), engine.Request{
			Input:         req.Input,
			Mode:          req.Mode,
			SessionID:     req.SessionID,
			SkipWebSearch: req.SkipWebSearch,
			Attachments:   req.Attachments,
		})
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
			return
		}

		var content strings.Builder
		for ev := range events {
			if ev.Type == graph.EventChatStream {
				content.WriteString(ev.Content)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"session_id": req.SessionID,
			"content":    content.String(),
		})
	}
}
