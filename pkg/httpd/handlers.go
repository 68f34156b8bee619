package httpd

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/openlearnhq/coursemedia/pkg/logger"
	"github.com/openlearnhq/coursemedia/pkg/provider"
	"github.com/openlearnhq/coursemedia/pkg/statestore"
	"github.com/openlearnhq/coursemedia/pkg/taskqueue"
	"github.com/openlearnhq/coursemedia/pkg/tus"
	"github.com/openlearnhq/coursemedia/pkg/webhook"

	"github.com/google/uuid"
)

type initUploadRequest struct {
	Filename       string `json:"filename"`
	MimeType       string `json:"mimeType"`
	Title          string `json:"title,omitempty"`
	ResourceFolder string `json:"resourceFolder,omitempty"`
	LessonID       string `json:"lessonId,omitempty"`
	PlaceholderKey string `json:"placeholderKey,omitempty"`

	// SourceURL asks the pipeline to pull the bytes itself instead of
	// the client streaming them. Requires the managed backend.
	SourceURL string `json:"sourceUrl,omitempty"`
}

type initUploadResponse struct {
	UploadID       string `json:"uploadId"`
	PlaceholderKey string `json:"placeholderKey,omitempty"`
	*provider.InitResult
}

// initUpload picks a backend, creates the remote upload, and records
// the initial queued state. The managed backend wins whenever it is
// configured and reachable; the object store is the fallback.
func (s *Server) initUpload(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.optionalUserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	var req initUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Filename == "" || req.MimeType == "" {
		writeError(w, http.StatusBadRequest, "filename and mimeType are required")
		return
	}
	if req.SourceURL != "" && req.PlaceholderKey == "" {
		writeError(w, http.StatusBadRequest, "sourceUrl requires placeholderKey")
		return
	}

	result, err := s.selectAndInit(r, provider.InitRequest{
		Filename:       req.Filename,
		MimeType:       req.MimeType,
		Title:          req.Title,
		ResourceFolder: req.ResourceFolder,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "no storage backend available")
		return
	}

	uploadID := uuid.New().String()
	placeholderKey := req.PlaceholderKey
	if placeholderKey == "" {
		placeholderKey = "placeholder-" + uploadID
	}

	if _, err := s.deps.Store.Initialize(r.Context(), statestore.InitParams{
		UploadID:          uploadID,
		PlaceholderKey:    placeholderKey,
		FileType:          req.MimeType,
		UserID:            userID,
		Provider:          result.Provider,
		BackendVideoID:    result.BackendVideoID,
		MultipartUploadID: result.MultipartUploadID,
		PartSize:          result.PartSize,
		FileKey:           result.FileKey,
	}); err != nil {
		logger.Error().Err(err).Str("upload_id", uploadID).Msg("httpd: initialize upload state")
		writeError(w, http.StatusInternalServerError, "could not record upload state")
		return
	}

	if req.LessonID != "" {
		if err := s.deps.Store.AssociateLesson(r.Context(), uploadID, req.LessonID); err != nil {
			logger.Warn().Err(err).Str("upload_id", uploadID).Msg("httpd: associate lesson at init")
		}
	}

	if req.SourceURL != "" {
		if err := s.enqueueTransfer(r, uploadID, placeholderKey, req, result); err != nil {
			logger.Error().Err(err).Str("upload_id", uploadID).Msg("httpd: enqueue transfer")
			s.deps.Store.MarkFailed(r.Context(), uploadID, placeholderKey, "transfer enqueue failed")
			writeError(w, http.StatusInternalServerError, "could not queue transfer")
			return
		}
	}

	writeJSON(w, http.StatusCreated, initUploadResponse{
		UploadID:       uploadID,
		PlaceholderKey: placeholderKey,
		InitResult:     result,
	})
}

func (s *Server) selectAndInit(r *http.Request, req provider.InitRequest) (*provider.InitResult, error) {
	if s.deps.Managed != nil && s.deps.Managed.IsAvailable(r.Context()) {
		result, err := s.deps.Managed.InitUpload(r.Context(), req)
		if err == nil {
			return result, nil
		}
		logger.Warn().Err(err).Msg("httpd: managed backend init failed, trying object store")
	}

	if s.deps.Objects != nil {
		return s.deps.Objects.InitUpload(r.Context(), req)
	}
	return nil, errors.New("httpd: no backend available")
}

func (s *Server) enqueueTransfer(r *http.Request, uploadID, placeholderKey string, req initUploadRequest, result *provider.InitResult) error {
	if s.deps.Queue == nil {
		return errors.New("httpd: transfer queue not configured")
	}
	payload, err := taskqueue.MarshalPayload(taskqueue.TransferPayload{
		UploadID:       uploadID,
		PlaceholderKey: placeholderKey,
		SourceURL:      req.SourceURL,
		BackendVideoID: result.BackendVideoID,
		Title:          req.Title,
		MimeType:       req.MimeType,
	})
	if err != nil {
		return err
	}
	return s.deps.Queue.Enqueue(r.Context(), &taskqueue.Task{
		Type:    taskqueue.TaskTypeTransfer,
		Payload: payload,
	})
}

type createSessionRequest struct {
	UploadLength int64 `json:"uploadLength"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.optionalUserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	sess, err := s.deps.Sessions.CreateSession(r.Context(), r.PathValue("id"), req.UploadLength, userID)
	if err != nil {
		switch {
		case errors.Is(err, tus.ErrNotInitialized):
			writeError(w, http.StatusBadRequest, "upload is not initialized for chunked transfer")
		case errors.Is(err, tus.ErrInvalidLength), errors.Is(err, tus.ErrTooLarge):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, tus.ErrNotOwner):
			writeError(w, http.StatusForbidden, "upload belongs to another user")
		default:
			logger.Error().Err(err).Msg("httpd: create session")
			writeError(w, http.StatusInternalServerError, "could not create session")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"uploadId":     sess.UploadID,
		"offset":       sess.Offset,
		"uploadLength": sess.UploadLength,
	})
}

func (s *Server) patchUpload(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.optionalUserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "missing or invalid Upload-Offset header")
		return
	}

	chunk, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxChunkBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "chunk exceeds the maximum request size")
		return
	}

	result, err := s.deps.Sessions.HandlePatch(r.Context(), r.PathValue("id"), offset, chunk, userID)
	if err != nil {
		switch {
		case errors.Is(err, tus.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "no active session for this upload")
		case errors.Is(err, tus.ErrNotOwner):
			writeError(w, http.StatusForbidden, "upload belongs to another user")
		case errors.Is(err, tus.ErrNotVideo):
			writeError(w, http.StatusUnsupportedMediaType, "content is not a recognized video format")
		case errors.Is(err, tus.ErrEmptyChunk),
			errors.Is(err, tus.ErrOverrun),
			errors.Is(err, tus.ErrPartTooSmall):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			logger.Error().Err(err).Msg("httpd: patch upload")
			writeError(w, http.StatusInternalServerError, "could not store chunk")
		}
		return
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(result.Offset, 10))
	if result.Conflict {
		writeJSON(w, http.StatusConflict, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// getStatus returns the state projection, or JSON null when the upload
// is unknown or the store is unreachable. Polling clients treat null as
// "keep waiting", never as an error.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Store.Get(r.Context(), r.PathValue("id"))
	writeJSON(w, http.StatusOK, st)
}

type associateLessonRequest struct {
	LessonID string `json:"lessonId"`
}

func (s *Server) associateLesson(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.userID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req associateLessonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LessonID == "" {
		writeError(w, http.StatusBadRequest, "lessonId is required")
		return
	}

	uploadID := r.PathValue("id")
	if st := s.deps.Store.Get(r.Context(), uploadID); st != nil && st.UserID != "" && st.UserID != userID {
		writeError(w, http.StatusForbidden, "upload belongs to another user")
		return
	}

	if err := s.deps.Store.AssociateLesson(r.Context(), uploadID, req.LessonID); err != nil {
		logger.Error().Err(err).Str("upload_id", uploadID).Msg("httpd: associate lesson")
		writeError(w, http.StatusInternalServerError, "could not associate lesson")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"associated": true})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	result, err := s.deps.Intake.Handle(r.Context(), body)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrMissingVideoID), errors.Is(err, webhook.ErrUnknownVideo):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			logger.Error().Err(err).Msg("httpd: webhook intake")
			writeError(w, http.StatusInternalServerError, "could not process callback")
		}
		return
	}

	if result.Ignored {
		writeJSON(w, http.StatusOK, map[string]bool{"ignored": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"uploadId": result.UploadID,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.userID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		logger.Debug().Err(err).Msg("httpd: websocket upgrade")
		return
	}
	s.deps.Hub.Register(ws, userID)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
