package gateway

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"dpas/internal/config"
	"dpas/internal/detection"
	"dpas/internal/logging"
	"dpas/internal/services"
)

const imageField = "image"

type acceptedResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type syncResponse struct {
	RecordID   string                `json:"record_id,omitempty"`
	Width      int                   `json:"width"`
	Height     int                   `json:"height"`
	Detections []detection.Detection `json:"detections"`
}

type activeResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
}

type errorResponse struct {
	Error string `json:"error"`
}

var errTooLarge = errors.New("upload exceeds gateway.max_upload_mib")

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, activeResponse{Status: "active", Mode: s.mode})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()
	logger := logging.WithContext(ctx, s.logger)

	data, err := s.readImage(w, r)
	if err != nil {
		status := services.HTTPStatus(err)
		if errors.Is(err, errTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		logging.WarnWithContext(logger, "rejected upload", "upload_rejected",
			logging.Error(err),
			logging.Int("status", status),
			logging.String(logging.FieldErrorHint, "send one non-empty image in the multipart field \"image\""),
		)
		s.writeError(w, status, err.Error())
		return
	}

	if s.mode == config.ModeSync {
		s.processSync(w, r, data)
		return
	}

	id, err := s.queue.Enqueue(ctx, data)
	if err != nil {
		status := services.HTTPStatus(err)
		logging.ErrorWithContext(logger, "enqueue failed", "enqueue_failed",
			append(logging.FailureAttrs(err),
				logging.Error(err),
				logging.Int("status", status),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)...)
		s.writeError(w, status, err.Error())
		return
	}
	logger.Info("job enqueued",
		logging.String(logging.FieldJobID, id),
		logging.Int("bytes", len(data)),
	)
	s.writeJSON(w, http.StatusAccepted, acceptedResponse{JobID: id, Status: "queued"})
}

func (s *Server) processSync(w http.ResponseWriter, r *http.Request, data []byte) {
	ctx := r.Context()
	logger := logging.WithContext(ctx, s.logger)

	img, err := detection.Decode(data)
	if err != nil {
		logging.WarnWithContext(logger, "rejected undecodable image", "decode_failed", logging.Error(err))
		s.writeError(w, services.HTTPStatus(err), err.Error())
		return
	}

	// The capability is not required to be safe for concurrent use.
	s.capMu.Lock()
	raw, err := detection.Invoke(ctx, s.capability, img, s.inferenceTimeout)
	if done, ok := detection.Abandoned(err); ok {
		// Hold the capability until the abandoned call returns.
		go func() {
			<-done
			s.capMu.Unlock()
		}()
	} else {
		s.capMu.Unlock()
	}
	if err != nil {
		logging.ErrorWithContext(logger, "sync detection failed", "detect_failed",
			append(logging.FailureAttrs(err), logging.Error(err))...)
		s.writeError(w, services.HTTPStatus(err), err.Error())
		return
	}
	dets := detection.Sanitize(raw, img.Width, img.Height, s.minConfidence)
	resp := syncResponse{Width: img.Width, Height: img.Height, Detections: dets}

	if s.syncPersist {
		jobID := "sync-" + uuid.NewString()
		rec := detection.NewRecord(jobID, s.now(), img, dets)
		stored, err := s.results.Append(ctx, rec, img.Data, img.Extension())
		if err != nil && !errors.Is(err, services.ErrDuplicate) {
			logging.ErrorWithContext(logger, "sync result not stored", "store_write_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check free space and permissions on results_dir"),
			)
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.RecordID = stored.RecordID
	}

	logger.Info("detections",
		logging.Int("count", len(dets)),
		logging.String("tags", tagSummary(dets)),
		logging.String(logging.FieldRecordID, resp.RecordID),
	)
	s.writeJSON(w, http.StatusOK, resp)
}

// readImage extracts the upload from a multipart form or a raw image body.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if s.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		data []byte
		err  error
	)
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		data, err = s.readMultipart(r)
	case strings.HasPrefix(mediaType, "image/"), mediaType == "application/octet-stream":
		data, err = io.ReadAll(r.Body)
	default:
		return nil, services.Wrap(services.ErrValidation, "gateway", "read upload",
			"expected multipart field \"image\" or an image/* body", nil)
	}
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errTooLarge
		}
		if errors.Is(err, services.ErrValidation) {
			return nil, err
		}
		return nil, services.Wrap(services.ErrValidation, "gateway", "read upload", "unreadable request body", err)
	}
	if len(data) == 0 {
		return nil, services.Wrap(services.ErrValidation, "gateway", "read upload", "empty image", nil)
	}
	return data, nil
}

func (s *Server) readMultipart(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		return nil, err
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, _, err := r.FormFile(imageField)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, services.Wrap(services.ErrValidation, "gateway", "read upload", "missing field \"image\"", nil)
		}
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

func tagSummary(dets []detection.Detection) string {
	if len(dets) == 0 {
		return ""
	}
	names := make([]string, 0, len(dets))
	for _, d := range dets {
		names = append(names, d.TagName)
	}
	return strings.Join(names, ",")
}
