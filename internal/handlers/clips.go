package handlers

import (
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/memalerts/backend/internal/logging"
	"github.com/memalerts/backend/internal/storage"
)

// DefaultMaxClipBytes applies when ClipHandler.MaxBytes is unset.
const DefaultMaxClipBytes = 50 << 20

// ClipHandler accepts alert clip uploads so raw media never travels over the
// frame channel.
type ClipHandler struct {
	Tokens   TokenValidator
	Clips    ClipStore
	Limiter  RateLimiter
	MaxBytes int64
}

type clipResponse struct {
	Key      string `json:"key"`
	Location string `json:"location"`
}

// Upload handles POST /api/v1/clips. The body is the raw clip; the optional
// "name" query parameter supplies the file extension.
func (h ClipHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Clips == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.Tokens == nil {
		logger.Error("clip upload dependencies unavailable")
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "upload services unavailable"})
		return
	}

	userID, ok := h.Tokens.ValidateToken(ctx, bearerToken(r))
	if !ok {
		if !allowRequest(h.Limiter, r, "clips", "") {
			respondJSON(ctx, w, http.StatusTooManyRequests, map[string]string{"error": "too many uploads"})
			return
		}
		logger.Warn("clip upload with invalid token", "remote_ip", clientIP(r))
		respondJSON(ctx, w, http.StatusUnauthorized, map[string]string{"error": "invalid session token"})
		return
	}
	if !allowRequest(h.Limiter, r, "clips", userID) {
		respondJSON(ctx, w, http.StatusTooManyRequests, map[string]string{"error": "too many uploads"})
		return
	}

	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "video/") {
		respondJSON(ctx, w, http.StatusUnsupportedMediaType, map[string]string{"error": "clip must be a video"})
		return
	}

	maxBytes := h.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxClipBytes
	}
	if r.ContentLength > maxBytes {
		respondJSON(ctx, w, http.StatusRequestEntityTooLarge, map[string]string{"error": "clip too large"})
		return
	}
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	defer body.Close()

	key := storage.ClipKey(userID, r.URL.Query().Get("name"), mediaType)
	location, err := h.Clips.Save(ctx, key, mediaType, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondJSON(ctx, w, http.StatusRequestEntityTooLarge, map[string]string{"error": "clip too large"})
			return
		}
		logger.Error("store clip", "key", key, "error", err)
		respondJSON(ctx, w, http.StatusBadGateway, map[string]string{"error": "failed to store clip"})
		return
	}

	logger.Info("clip uploaded", "user_id", userID, "key", key)
	respondJSON(ctx, w, http.StatusCreated, clipResponse{Key: key, Location: location})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
