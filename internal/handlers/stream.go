package handlers

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Brownie44l1/detect-api/internal/imageio"
	"github.com/Brownie44l1/detect-api/internal/model"
)

const streamIdleTimeout = 60 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamReply carries either detections or an error. A nil slice is left
// out entirely; successful frames always send a non-nil slice.
type streamReply struct {
	Frame      int               `json:"frame"`
	Detections []model.Detection `json:"detections,omitzero"`
	Error      string            `json:"error,omitempty"`
}

// DetectStream handles GET /detect/stream. Every binary message is one
// image; every reply is one JSON object tagged with the 1-based frame
// number. A bad frame gets an error reply and the connection stays open.
func (h *Handler) DetectStream(w http.ResponseWriter, r *http.Request) {
	opts, err := parseOptions(r.URL.Query())
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	connection, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warning("WebSocket upgrade error: %v", err)
		return
	}
	defer connection.Close()

	if h.settings.MaxUploadBytes > 0 {
		connection.SetReadLimit(h.settings.MaxUploadBytes)
	}
	connection.SetReadDeadline(time.Now().Add(streamIdleTimeout))
	connection.SetPongHandler(func(appData string) error {
		connection.SetReadDeadline(time.Now().Add(streamIdleTimeout))
		return nil
	})

	h.logger.Info("Stream client connected: %s", r.RemoteAddr)

	frame := 0
	for {
		messageType, msg, err := connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warning("Stream read error: %v", err)
			}
			break
		}
		connection.SetReadDeadline(time.Now().Add(streamIdleTimeout))
		frame++

		reply := h.detectFrame(r, messageType, msg, opts)
		reply.Frame = frame

		if err := connection.WriteJSON(reply); err != nil {
			h.logger.Warning("Stream write error: %v", err)
			break
		}
	}

	h.logger.Info("Stream client disconnected after %d frames", frame)
}

func (h *Handler) detectFrame(r *http.Request, messageType int, msg []byte, opts model.Options) streamReply {
	if messageType != websocket.BinaryMessage {
		return streamReply{Error: "expected a binary image frame"}
	}

	img, _, err := imageio.Decode(bytes.NewReader(msg), h.settings.MaxPixels)
	if err != nil {
		return streamReply{Error: err.Error()}
	}

	detections, err := h.detector.Detect(r.Context(), img, opts)
	if err != nil {
		h.logger.Error("Stream prediction error: %v", err)
		return streamReply{Error: "detection failed"}
	}
	if detections == nil {
		detections = []model.Detection{}
	}

	return streamReply{Detections: detections}
}
