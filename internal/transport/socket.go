// Package transport exposes the inbound audio surfaces: a WebSocket
// endpoint for live wearable streams and an HTTP upload endpoint for
// whole-file WAV ingestion. Both feed the producer; everything downstream
// of the durable log is transport-agnostic.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/openwear/earstream/internal/observe"
	"github.com/openwear/earstream/internal/producer"
	"github.com/openwear/earstream/internal/sessionmeta"
	"github.com/openwear/earstream/pkg/audio"
)

// readLimit bounds a single inbound WebSocket message. The largest legal
// payload is a burst of buffered PCM from a reconnecting client.
const readLimit = 1 << 20

// controlMessage is the JSON envelope for text frames on the socket. Binary
// frames carry audio; text frames carry control.
type controlMessage struct {
	Type string `json:"type"`
}

// SocketHandler upgrades ingest connections and pumps their audio into the
// producer. One goroutine per connection; the read loop is the connection.
type SocketHandler struct {
	producer *producer.Producer
	meta     *sessionmeta.Store
	token    string
	metrics  *observe.Metrics
}

// SocketOption configures a SocketHandler.
type SocketOption func(*SocketHandler)

// WithSocketMetrics overrides the metrics instance, mainly for tests.
func WithSocketMetrics(m *observe.Metrics) SocketOption {
	return func(h *SocketHandler) { h.metrics = m }
}

// NewSocketHandler creates the ingest WebSocket handler. token is the shared
// bearer token clients present as a query parameter; empty disables auth.
func NewSocketHandler(p *producer.Producer, meta *sessionmeta.Store, token string, opts ...SocketOption) *SocketHandler {
	h := &SocketHandler{producer: p, meta: meta, token: token}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// ServeHTTP implements [http.Handler]. Query parameters:
//
//	token    shared auth token (required when configured)
//	device   client/device id (required)
//	user     user id (required)
//	session  session id; generated when absent
//	codec    "pcm" (default) or "opus"
//	provider ASR backend name (default "deepgram")
//	mode     "streaming" (default) or "batch"
func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.token != "" && q.Get("token") != h.token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	clientID := q.Get("device")
	userID := q.Get("user")
	if clientID == "" || userID == "" {
		http.Error(w, "device and user are required", http.StatusBadRequest)
		return
	}
	codec := q.Get("codec")
	if codec == "" {
		codec = "pcm"
	}
	if codec != "pcm" && codec != "opus" {
		http.Error(w, "unsupported codec "+codec, http.StatusBadRequest)
		return
	}
	sessionID := q.Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	prov := q.Get("provider")
	if prov == "" {
		prov = "deepgram"
	}
	mode := sessionmeta.ModeStreaming
	if q.Get("mode") == string(sessionmeta.ModeBatch) {
		mode = sessionmeta.ModeBatch
	}

	var decoder *audio.OpusDecoder
	if codec == "opus" {
		var err error
		if decoder, err = audio.NewOpusDecoder(); err != nil {
			http.Error(w, "opus unavailable", http.StatusInternalServerError)
			return
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "client_id", clientID, "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx := r.Context()
	err = h.producer.InitSession(ctx, producer.InitParams{
		SessionID:    sessionID,
		UserID:       userID,
		ClientID:     clientID,
		ConnectionID: uuid.NewString(),
		Provider:     prov,
		Mode:         mode,
	})
	if err != nil {
		status := websocket.StatusInternalError
		if errors.Is(err, producer.ErrSessionConflict) {
			status = websocket.StatusPolicyViolation
		}
		conn.Close(status, err.Error())
		return
	}

	h.metrics.ActiveSessions.Add(ctx, 1)
	defer h.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	defer h.producer.Remove(sessionID)

	slog.Info("ingest socket connected",
		"session_id", sessionID,
		"client_id", clientID,
		"codec", codec,
		"mode", mode,
	)
	h.pump(ctx, conn, sessionID, decoder)
}

// pump runs the read loop until the client ends the session or the
// connection drops. A clean END closes the socket normally; anything else is
// a transport disconnect and goes through Abort.
func (h *SocketHandler) pump(ctx context.Context, conn *websocket.Conn, sessionID string, decoder *audio.OpusDecoder) {
	ended := false
	defer func() {
		if ended {
			return
		}
		// The cleanup must finish even though the request context died with
		// the connection.
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := h.producer.Abort(actx, sessionID); err != nil {
			slog.Error("session abort failed", "session_id", sessionID, "err", err)
		}
		slog.Info("ingest socket disconnected", "session_id", sessionID)
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			pcm := data
			if decoder != nil {
				if pcm, err = decoder.Decode(data); err != nil {
					slog.Warn("opus packet dropped", "session_id", sessionID, "err", err)
					continue
				}
			}
			if _, err := h.producer.Append(ctx, sessionID, pcm); err != nil {
				slog.Error("audio append failed", "session_id", sessionID, "err", err)
				conn.Close(websocket.StatusInternalError, "append failed")
				return
			}
		case websocket.MessageText:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Warn("bad control frame", "session_id", sessionID, "err", err)
				continue
			}
			switch msg.Type {
			case "end":
				if err := h.producer.End(ctx, sessionID); err != nil {
					slog.Error("session end failed", "session_id", sessionID, "err", err)
					conn.Close(websocket.StatusInternalError, "end failed")
					return
				}
				ended = true
				conn.Close(websocket.StatusNormalClosure, "session ended")
				return
			case "stop":
				// Stop ends the current conversation, not the session; audio
				// keeps flowing.
				if err := h.meta.RequestStop(ctx, sessionID); err != nil {
					slog.Warn("stop request failed", "session_id", sessionID, "err", err)
				}
			default:
				slog.Warn("unknown control type", "session_id", sessionID, "type", msg.Type)
			}
		}
	}
}

// maxUploadBytes bounds an uploaded WAV file (about 1.5 h at pipeline rate).
const maxUploadBytes = 256 << 20

// UploadHandler ingests a whole recording in one POST. It synthesizes a
// batch-mode session, re-frames the file through the producer, and ends the
// session so the pipeline treats the upload exactly like a live stream that
// already finished.
type UploadHandler struct {
	producer *producer.Producer
	token    string
}

// NewUploadHandler creates the WAV upload handler.
func NewUploadHandler(p *producer.Producer, token string) *UploadHandler {
	return &UploadHandler{producer: p, token: token}
}

// uploadResponse is the JSON body returned on a successful upload.
type uploadResponse struct {
	SessionID string `json:"session_id"`
	Frames    int64  `json:"frames"`
	Duration  string `json:"duration"`
}

// ServeHTTP implements [http.Handler]. Query parameters device and user as
// for the socket; provider defaults to "parakeet" since uploads always take
// the batch path.
func (h *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	if h.token != "" && q.Get("token") != h.token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	clientID := q.Get("device")
	userID := q.Get("user")
	if clientID == "" || userID == "" {
		http.Error(w, "device and user are required", http.StatusBadRequest)
		return
	}
	prov := q.Get("provider")
	if prov == "" {
		prov = "parakeet"
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		http.Error(w, "upload too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}
	pcm, rate, channels, err := audio.DecodeWAV(body)
	if err != nil {
		http.Error(w, "unreadable WAV: "+err.Error(), http.StatusUnsupportedMediaType)
		return
	}
	if channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	if rate != audio.SampleRate {
		pcm = audio.ResampleMono16(pcm, rate, audio.SampleRate)
	}

	ctx := r.Context()
	sessionID := uuid.NewString()
	err = h.producer.InitSession(ctx, producer.InitParams{
		SessionID:    sessionID,
		UserID:       userID,
		ClientID:     clientID,
		ConnectionID: uuid.NewString(),
		Provider:     prov,
		Mode:         sessionmeta.ModeBatch,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer h.producer.Remove(sessionID)

	if _, err := h.producer.Append(ctx, sessionID, pcm); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := h.producer.End(ctx, sessionID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	frames := h.producer.Frames(sessionID)

	slog.Info("upload ingested",
		"session_id", sessionID,
		"client_id", clientID,
		"bytes", len(pcm),
		"frames", frames,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(uploadResponse{
		SessionID: sessionID,
		Frames:    frames,
		Duration:  audio.Duration(len(pcm)).String(),
	})
}

// ReprocessFunc forwards a full-audio re-transcription request for a closed
// conversation to the job worker.
type ReprocessFunc func(ctx context.Context, conversationID, userID string) error

// ReprocessHandler triggers administrative reprocessing of a conversation's
// stored WAV: a new transcript version is produced by the batch provider
// without touching the original.
type ReprocessHandler struct {
	reprocess ReprocessFunc
	token     string
}

// NewReprocessHandler creates the reprocess trigger handler.
func NewReprocessHandler(fn ReprocessFunc, token string) *ReprocessHandler {
	return &ReprocessHandler{reprocess: fn, token: token}
}

// ServeHTTP implements [http.Handler]. Query parameters conversation and
// user are required; the request is queued, not executed inline.
func (h *ReprocessHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	if h.token != "" && q.Get("token") != h.token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	conversationID := q.Get("conversation")
	userID := q.Get("user")
	if conversationID == "" || userID == "" {
		http.Error(w, "conversation and user are required", http.StatusBadRequest)
		return
	}

	if err := h.reprocess(r.Context(), conversationID, userID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("reprocess requested", "conversation_id", conversationID, "user_id", userID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"conversation_id": conversationID,
		"status":          "queued",
	})
}

