package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/magickapi/internal/api/middleware"
	"github.com/kiranshivaraju/magickapi/internal/api/response"
	"github.com/kiranshivaraju/magickapi/internal/imaging"
	"github.com/kiranshivaraju/magickapi/pkg/models"
)

const multipartMemory = 8 << 20

// Processor applies one ImageMagick action to an image.
type Processor interface {
	Process(ctx context.Context, data []byte, ext string, action imaging.Action, params imaging.Params) ([]byte, error)
}

type upload struct {
	filename string
	ext      string
	data     []byte
	action   imaging.Action
	params   imaging.Params
}

// NewProcessHandler returns an http.HandlerFunc for POST /api/v1/process.
// The response body is the processed image.
func NewProcessHandler(p Processor, logRequests bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		up, ok := readUpload(w, r)
		if !ok {
			return
		}
		logProcessRequest(r, up, logRequests)

		out, ok := runProcessor(w, r, p, up)
		if !ok {
			return
		}

		name := "processed_" + strings.TrimSuffix(filepath.Base(up.filename), filepath.Ext(up.filename)) + "." + up.ext
		w.Header().Set("Content-Type", imaging.MimeType(up.ext))
		w.Header().Set("Content-Length", strconv.Itoa(len(out)))
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
		w.WriteHeader(http.StatusOK)
		w.Write(out)
	}
}

// NewWebhookProcessHandler returns an http.HandlerFunc for POST
// /api/v1/webhook/process. The processed image is returned base64 encoded.
func NewWebhookProcessHandler(p Processor, logRequests bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		up, ok := readUpload(w, r)
		if !ok {
			return
		}
		logProcessRequest(r, up, logRequests)

		out, ok := runProcessor(w, r, p, up)
		if !ok {
			return
		}

		response.JSON(w, models.ImageResult{
			Filename: "processed_" + uuid.NewString() + "." + up.ext,
			MimeType: imaging.MimeType(up.ext),
			Action:   string(up.action),
			Size:     len(out),
			Data:     base64.StdEncoding.EncodeToString(out),
		})
	}
}

func readUpload(w http.ResponseWriter, r *http.Request) (*upload, bool) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(w, http.StatusRequestEntityTooLarge, response.CodePayloadTooLarge,
				fmt.Sprintf("File too large. Maximum size is %d bytes", tooLarge.Limit), nil)
			return nil, false
		}
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Expected a multipart form upload", nil)
		return nil, false
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "No image file uploaded", nil)
		return nil, false
	}
	defer file.Close()

	if header.Filename == "" {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "No file selected", nil)
		return nil, false
	}
	ext, ok := imaging.Extension(header.Filename)
	if !ok {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
			"Invalid file type. Allowed: "+strings.Join(imaging.AllowedExtensions, ", "), nil)
		return nil, false
	}

	action, err := imaging.ParseAction(r.FormValue("action"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), nil)
		return nil, false
	}

	data, err := io.ReadAll(file)
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Failed to read uploaded file", nil)
		return nil, false
	}

	return &upload{
		filename: header.Filename,
		ext:      ext,
		data:     data,
		action:   action,
		params: imaging.Params{
			Text:             r.FormValue("text"),
			ResizePercentage: r.FormValue("resize_percentage"),
			RotationAngle:    r.FormValue("rotation_angle"),
			TextSize:         r.FormValue("text_size"),
			TextColor:        r.FormValue("text_color"),
			TextFont:         r.FormValue("text_font"),
			TextPosition:     r.FormValue("text_position"),
			BlurRadius:       r.FormValue("blur_radius"),
		},
	}, true
}

func runProcessor(w http.ResponseWriter, r *http.Request, p Processor, up *upload) ([]byte, bool) {
	out, err := p.Process(r.Context(), up.data, up.ext, up.action, up.params)
	switch {
	case err == nil:
		return out, true
	case errors.Is(err, imaging.ErrInvalidAction), errors.Is(err, imaging.ErrInvalidParam):
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), nil)
	case errors.Is(err, imaging.ErrNotInstalled):
		response.Error(w, http.StatusServiceUnavailable, response.CodeUnavailable,
			"ImageMagick is not installed or not in PATH", nil)
	case errors.Is(err, imaging.ErrTimeout):
		slog.Warn("image processing timed out", "action", string(up.action), "request_id", mw.GetRequestID(r))
		response.Error(w, http.StatusGatewayTimeout, response.CodeInternal,
			"Image processing timed out. Please try with a smaller image.", nil)
	default:
		slog.Error("image processing failed", "error", err, "action", string(up.action), "request_id", mw.GetRequestID(r))
		response.Error(w, http.StatusInternalServerError, response.CodeInternal, "Image processing failed", nil)
	}
	return nil, false
}

func logProcessRequest(r *http.Request, up *upload, enabled bool) {
	if !enabled {
		return
	}
	attrs := []any{
		"request_id", mw.GetRequestID(r),
		"action", string(up.action),
		"bytes", len(up.data),
	}
	if key, ok := mw.GetAPIKey(r); ok {
		attrs = append(attrs, "key_id", key.KeyID, "key_name", key.Name)
	}
	slog.Info("image processing request", attrs...)
}
