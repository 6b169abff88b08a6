// Package httpapi exposes the §6 Upload API and progress channel over
// HTTP. It is grounded on perkeep's pkg/httputil — specifically its
// ReturnJSONCode/ServeJSONError pair and its httpCoder-on-error idiom
// (an error type answers its own HTTP status) — adapted here to key off
// romerr.Kind instead of ad-hoc error types, since every error this
// system returns already carries a stable Kind. Routing uses the
// standard library's method-and-wildcard ServeMux patterns rather than a
// PrefixHandler, since Go's router has grown that capability natively
// since the teacher's era.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"romvault.dev/romvault/pkg/progress"
	"romvault.dev/romvault/pkg/romerr"
	"romvault.dev/romvault/pkg/romid"
	"romvault.dev/romvault/pkg/store"
	"romvault.dev/romvault/pkg/upload"
)

// Server wires the Upload Coordinator (C3), Progress Broadcaster (C6),
// and Store into the HTTP surface described in §6.
type Server struct {
	coordinator  *upload.Coordinator
	hub          *progress.Hub
	store        *store.Store
	maxChunkSize int64 // request-body cap for /upload/chunk
	upgrader     websocket.Upgrader
	log          *slog.Logger
}

// New builds a Server. maxChunkSize bounds the request body accepted by
// the chunk-upload endpoint; pass the configured chunkSize (callers
// should size it generously since the client's last chunk may be
// declared smaller than maxChunkSize but never larger).
func New(c *upload.Coordinator, hub *progress.Hub, st *store.Store, maxChunkSize int64) *Server {
	return &Server{
		coordinator:  c,
		hub:          hub,
		store:        st,
		maxChunkSize: maxChunkSize,
		upgrader: websocket.Upgrader{
			// Internal ingestion API with no browser-facing origin
			// policy of its own; the reverse proxy in front of this
			// service is expected to enforce one.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: slog.Default().With("component", "httpapi"),
	}
}

// Routes builds the §6 Upload API handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload/initiate", s.handleInitiate)
	mux.HandleFunc("POST /upload/chunk/{id}/{index}", s.handleChunk)
	mux.HandleFunc("GET /upload/status/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /upload/cancel/{id}", s.handleCancel)
	mux.HandleFunc("GET /upload/progress", s.handleProgressSocket)
	return mux
}

// --- POST /upload/initiate ---

type initiateRequest struct {
	FileName  string `json:"fileName"`
	FileSize  int64  `json:"fileSize"`
	FileHash  string `json:"fileHash,omitempty"`
	ChunkSize int64  `json:"chunkSize"`
	MimeType  string `json:"mimeType,omitempty"`
}

type initiateResponse struct {
	UploadID    string    `json:"uploadId"`
	TotalChunks int       `json:"totalChunks"`
	ChunkSize   int64     `json:"chunkSize"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, romerr.New(romerr.KindPathUnsafe, "malformed request body"))
		return
	}
	if req.FileName == "" || req.FileSize <= 0 || req.ChunkSize <= 0 {
		writeError(w, romerr.New(romerr.KindPathUnsafe, "fileName, fileSize, and chunkSize are required"))
		return
	}

	var digest romid.Digest
	if req.FileHash != "" {
		d, ok := romid.ParseDigest(req.FileHash)
		if !ok {
			writeError(w, romerr.New(romerr.KindPathUnsafe, "fileHash must be a lowercase hex SHA-256 digest"))
			return
		}
		digest = d
	}

	u, err := s.coordinator.Initiate(r.Context(), req.FileName, req.FileSize, digest, req.ChunkSize, req.MimeType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, initiateResponse{
		UploadID:    u.ID.String(),
		TotalChunks: u.TotalChunks,
		ChunkSize:   u.ChunkSize,
		ExpiresAt:   u.ExpiresAt,
	})
}

// --- POST /upload/chunk/{id}/{index} ---

type chunkResponse struct {
	Accepted bool `json:"accepted"`
	Complete bool `json:"complete"`
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	id := romid.ID(r.PathValue("id"))
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeError(w, romerr.New(romerr.KindPathUnsafe, "chunk index must be a non-negative integer"))
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, s.maxChunkSize+1))
	if err != nil {
		writeError(w, romerr.Wrap(romerr.KindChunkWriteFailed, "read chunk body", err))
		return
	}
	if int64(len(data)) > s.maxChunkSize {
		writeError(w, romerr.New(romerr.KindChunkSizeMismatch, "chunk exceeds configured chunk size"))
		return
	}

	accepted, complete, err := s.coordinator.ReceiveChunk(r.Context(), id, index, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chunkResponse{Accepted: accepted, Complete: complete})
}

// --- GET /upload/status/{id} ---

type statusResponse struct {
	UploadID         string    `json:"uploadId"`
	FileName         string    `json:"fileName"`
	State            string    `json:"state"`
	UploadedChunks   int       `json:"uploadedChunks"`
	TotalChunks      int       `json:"totalChunks"`
	Progress         float64   `json:"progress"`
	ChunkBitmap      []bool    `json:"chunkBitmap"`
	DetectedPlatform string    `json:"detectedPlatform,omitempty"`
	FinalPath        string    `json:"finalPath,omitempty"`
	ProcessingError  string    `json:"processingError,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := romid.ID(r.PathValue("id"))
	u, err := s.coordinator.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	chunks, err := s.store.ListChunks(r.Context(), id)
	if err != nil {
		writeError(w, romerr.Wrap(romerr.KindInternal, "load chunk bitmap", err))
		return
	}
	bitmap := make([]bool, u.TotalChunks)
	for _, c := range chunks {
		if c.Index >= 0 && c.Index < len(bitmap) {
			bitmap[c.Index] = c.Received
		}
	}

	var progressFrac float64
	if u.TotalChunks > 0 {
		progressFrac = float64(u.UploadedChunks) / float64(u.TotalChunks)
	}

	writeJSON(w, http.StatusOK, statusResponse{
		UploadID:         u.ID.String(),
		FileName:         u.SanitizedName,
		State:            string(u.State),
		UploadedChunks:   u.UploadedChunks,
		TotalChunks:      u.TotalChunks,
		Progress:         progressFrac,
		ChunkBitmap:      bitmap,
		DetectedPlatform: string(u.DetectedPlatform),
		FinalPath:        u.FinalPath,
		ProcessingError:  u.ProcessingError,
		CreatedAt:        u.CreatedAt,
		ExpiresAt:        u.ExpiresAt,
	})
}

// --- DELETE /upload/cancel/{id} ---

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := romid.ID(r.PathValue("id"))
	if err := s.coordinator.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- GET /upload/progress (websocket) ---

type subscribeMessage struct {
	Type     string `json:"type"`
	UploadID string `json:"uploadId"`
}

type progressMessage struct {
	Type string            `json:"type"`
	Data progressEventData `json:"data"`
}

type progressEventData struct {
	UploadID       string  `json:"uploadId"`
	FileName       string  `json:"fileName"`
	Progress       float64 `json:"progress"`
	UploadedChunks int     `json:"uploadedChunks"`
	TotalChunks    int     `json:"totalChunks"`
	State          string  `json:"state"`
	SpeedBytesPerS float64 `json:"speed,omitempty"`
	ETASeconds     float64 `json:"eta,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// handleProgressSocket implements §6's progress channel: a client
// connects once, then sends {"type":"subscribe_upload","uploadId":...}
// any number of times, fanning one socket out across several live
// subscriptions (one goroutine per subscribed upload, serialized onto a
// single writer the way a single websocket.Conn requires).
func (s *Server) handleProgressSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("progress socket: upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	done := make(chan struct{})
	defer close(done)

	var subsMu sync.Mutex
	subs := map[string]*progress.Subscription{}
	defer func() {
		subsMu.Lock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		subsMu.Unlock()
	}()

	for {
		var msg subscribeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return // client disconnected or sent garbage; close per defer
		}
		if msg.Type != "subscribe_upload" || msg.UploadID == "" {
			continue
		}

		subsMu.Lock()
		if _, already := subs[msg.UploadID]; already {
			subsMu.Unlock()
			continue
		}
		sub := s.hub.Subscribe(romid.ID(msg.UploadID))
		subs[msg.UploadID] = sub
		subsMu.Unlock()

		go pumpEvents(conn, &writeMu, sub, done)
	}
}

func pumpEvents(conn *websocket.Conn, writeMu *sync.Mutex, sub *progress.Subscription, done <-chan struct{}) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			msg := progressMessage{
				Type: wireType(ev.Type),
				Data: progressEventData{
					UploadID:       ev.UploadID.String(),
					FileName:       ev.FileName,
					Progress:       ev.Progress,
					UploadedChunks: ev.UploadedChunks,
					TotalChunks:    ev.TotalChunks,
					State:          ev.State,
					SpeedBytesPerS: ev.SpeedBytesPerS,
					ETASeconds:     ev.ETA.Seconds(),
					Error:          errorText(ev),
				},
			}
			writeMu.Lock()
			err := conn.WriteJSON(msg)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// wireType maps the internal Event tagged-union variant onto the §6
// wire protocol's two message types: byte-progress updates are
// "upload_progress", every lifecycle transition is "upload_state".
func wireType(t progress.EventType) string {
	if t == progress.EventProgress {
		return "upload_progress"
	}
	return "upload_state"
}

func errorText(ev progress.Event) string {
	if ev.ErrorKind == "" {
		return ""
	}
	if ev.ErrorDetail == "" {
		return ev.ErrorKind
	}
	return ev.ErrorKind + ": " + ev.ErrorDetail
}

// --- error/response plumbing ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"Internal","message":"response encoding failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError maps a romerr.Kind onto its §7 HTTP status and writes a
// JSON error body, the httpapi analog of perkeep's ServeJSONError/
// httpCoder pairing.
func writeError(w http.ResponseWriter, err error) {
	var romErr *romerr.Error
	kind := romerr.KindOf(err)
	message := err.Error()
	if errors.As(err, &romErr) {
		message = romErr.Message
	}
	writeJSON(w, httpStatusFor(kind), errorBody{Error: string(kind), Message: message})
}

func httpStatusFor(k romerr.Kind) int {
	switch k {
	case romerr.KindNotFound:
		return http.StatusNotFound
	case romerr.KindAlreadyIngested, romerr.KindAlreadyCompleted, romerr.KindNotAcceptingChunks, romerr.KindCancelled:
		return http.StatusConflict
	case romerr.KindExpired:
		return http.StatusGone
	case romerr.KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case romerr.KindOversizeForPlatform, romerr.KindArchiveBomb:
		return http.StatusRequestEntityTooLarge
	case romerr.KindChunkSizeMismatch, romerr.KindSizeMismatch, romerr.KindDigestMismatch,
		romerr.KindNoRecognizedContent, romerr.KindPathUnsafe:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
