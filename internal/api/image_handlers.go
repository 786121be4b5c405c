package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pranav-miglani/dental-record/internal/apperr"
	"github.com/pranav-miglani/dental-record/internal/image"
)

// readFiles collects the parts named "files" or "file" of a multipart body.
func (s *Server) readFiles(w http.ResponseWriter, r *http.Request) ([]image.File, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.Validation("request body exceeds %d bytes", s.maxRequestBytes)
		}
		return nil, apperr.Validation("invalid multipart body: %v", err)
	}

	var headers []*multipart.FileHeader
	headers = append(headers, r.MultipartForm.File["files"]...)
	headers = append(headers, r.MultipartForm.File["file"]...)

	files := make([]image.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open upload %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read upload %s: %w", fh.Filename, err)
		}
		files = append(files, image.File{
			Name:     fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Data:     data,
		})
	}
	return files, nil
}

// uploadImages handles POST /steps/{id}/images
func (s *Server) uploadImages(w http.ResponseWriter, r *http.Request) {
	files, err := s.readFiles(w, r)
	if err != nil {
		s.handleServiceError(w, err, "Failed to read upload")
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	imgs, err := s.images.Upload(ctx, image.UploadRequest{
		StepID:     mux.Vars(r)["id"],
		UploadedBy: actor(r),
		Files:      files,
	})
	if err != nil {
		s.handleServiceError(w, err, "Failed to upload images")
		return
	}
	s.writeJSONResponse(w, http.StatusCreated, ListImagesResponse{Images: toImages(imgs)})
}

// replaceImage handles POST /images/{id}/replace
func (s *Server) replaceImage(w http.ResponseWriter, r *http.Request) {
	files, err := s.readFiles(w, r)
	if err != nil {
		s.handleServiceError(w, err, "Failed to read upload")
		return
	}
	if len(files) != 1 {
		s.handleServiceError(w, apperr.Validation("exactly one file is required"), "Invalid request")
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	img, err := s.images.Replace(ctx, image.ReplaceRequest{
		ImageID:    mux.Vars(r)["id"],
		UploadedBy: actor(r),
		File:       files[0],
	})
	if err != nil {
		s.handleServiceError(w, err, "Failed to replace image")
		return
	}
	s.writeJSONResponse(w, http.StatusCreated, toImage(img))
}

// showImage handles GET /images/{id}?version=
func (s *Server) showImage(w http.ResponseWriter, r *http.Request) {
	version, err := versionParam(r)
	if err != nil {
		s.handleServiceError(w, err, "Invalid request")
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	img, err := s.images.Get(ctx, mux.Vars(r)["id"], version)
	if err != nil {
		s.handleServiceError(w, err, "Failed to get image")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, toImage(img))
}

// listVersions handles GET /images/{id}/versions
func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r)
	defer cancel()

	versions, err := s.images.ListVersions(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.handleServiceError(w, err, "Failed to list versions")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, ListImagesResponse{Images: toImages(versions)})
}

// listStepImages handles GET /steps/{id}/images
func (s *Server) listStepImages(w http.ResponseWriter, r *http.Request) {
	s.listImages(w, r, s.images.ListByStep)
}

// listProcedureImages handles GET /procedures/{id}/images
func (s *Server) listProcedureImages(w http.ResponseWriter, r *http.Request) {
	s.listImages(w, r, s.images.ListByProcedure)
}

func (s *Server) listImages(w http.ResponseWriter, r *http.Request, list func(ctx context.Context, id string, opts image.ListOptions) (image.Page, error)) {
	limit, cursor, err := pageParams(r)
	if err != nil {
		s.handleServiceError(w, err, "Invalid request")
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	page, err := list(ctx, mux.Vars(r)["id"], image.ListOptions{Limit: limit, Cursor: cursor})
	if err != nil {
		s.handleServiceError(w, err, "Failed to list images")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, ListImagesResponse{Images: toImages(page.Images), Cursor: page.Cursor})
}

// viewURL handles GET /images/{id}/url?version=&variant=&watermark=&patient_name=&tooth=
func (s *Server) viewURL(w http.ResponseWriter, r *http.Request) {
	version, err := versionParam(r)
	if err != nil {
		s.handleServiceError(w, err, "Invalid request")
		return
	}
	q := r.URL.Query()
	variant, ok := image.ParseVariant(q.Get("variant"))
	if !ok {
		s.handleServiceError(w, apperr.Validation("unknown variant: %s", q.Get("variant")), "Invalid request")
		return
	}
	watermark, _ := strconv.ParseBool(q.Get("watermark"))

	ctx, cancel := withTimeout(r)
	defer cancel()

	view, err := s.images.ViewURL(ctx, image.ViewRequest{
		ImageID:     mux.Vars(r)["id"],
		Version:     version,
		Variant:     variant,
		Watermark:   watermark,
		PatientName: q.Get("patient_name"),
		Tooth:       q.Get("tooth"),
	})
	if err != nil {
		s.handleServiceError(w, err, "Failed to create image URL")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, view)
}

// download handles GET /images/{id}/download?version=&compressed=
func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	version, err := versionParam(r)
	if err != nil {
		s.handleServiceError(w, err, "Invalid request")
		return
	}
	compressed, _ := strconv.ParseBool(r.URL.Query().Get("compressed"))

	ctx, cancel := withTimeout(r)
	defer cancel()

	d, err := s.images.Download(ctx, mux.Vars(r)["id"], version, compressed)
	if err != nil {
		s.handleServiceError(w, err, "Failed to download image")
		return
	}

	w.Header().Set("Content-Type", d.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(d.Data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", strings.ReplaceAll(d.FileName, `"`, "")))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(d.Data); err != nil && s.logger != nil {
		s.logger.Warnf("Failed to write download body: %v", err)
	}
}

// deleteVersion handles DELETE /images/{id}/versions/{version}
func (s *Server) deleteVersion(w http.ResponseWriter, r *http.Request) {
	s.versionAction(w, r, "Failed to delete image version", s.images.SoftDelete)
}

// restoreVersion handles POST /images/{id}/versions/{version}/restore
func (s *Server) restoreVersion(w http.ResponseWriter, r *http.Request) {
	s.versionAction(w, r, "Failed to restore image version", s.images.Restore)
}

// regenerateThumbnails handles POST /images/{id}/versions/{version}/thumbnails
func (s *Server) regenerateThumbnails(w http.ResponseWriter, r *http.Request) {
	s.versionAction(w, r, "Failed to regenerate thumbnails", s.images.RegenerateThumbnails)
}

func (s *Server) versionAction(w http.ResponseWriter, r *http.Request, failure string, act func(ctx context.Context, id string, version int64) (*image.Image, error)) {
	version, err := versionParam(r)
	if err != nil {
		s.handleServiceError(w, err, "Invalid request")
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	img, err := act(ctx, mux.Vars(r)["id"], version)
	if err != nil {
		s.handleServiceError(w, err, failure)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, toImage(img))
}

// putAnnotation handles PUT /images/{id}/versions/{version}/annotation
func (s *Server) putAnnotation(w http.ResponseWriter, r *http.Request) {
	version, err := versionParam(r)
	if err != nil {
		s.handleServiceError(w, err, "Invalid request")
		return
	}
	var a image.Annotation
	if err := s.decodeBody(r, &a); err != nil {
		s.handleServiceError(w, err, "Invalid request")
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	img, err := s.images.Annotate(ctx, mux.Vars(r)["id"], version, a)
	if err != nil {
		s.handleServiceError(w, err, "Failed to save annotation")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, toImage(img))
}

// getAnnotation handles GET /images/{id}/versions/{version}/annotation
func (s *Server) getAnnotation(w http.ResponseWriter, r *http.Request) {
	version, err := versionParam(r)
	if err != nil {
		s.handleServiceError(w, err, "Invalid request")
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	id := mux.Vars(r)["id"]
	a, err := s.images.GetAnnotation(ctx, id, version)
	if err != nil {
		s.handleServiceError(w, err, "Failed to get annotation")
		return
	}
	if a == nil {
		s.handleServiceError(w, apperr.NotFound("Annotation", id), "Failed to get annotation")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, a)
}

// deleteAnnotation handles DELETE /images/{id}/versions/{version}/annotation
func (s *Server) deleteAnnotation(w http.ResponseWriter, r *http.Request) {
	s.versionAction(w, r, "Failed to remove annotation", s.images.RemoveAnnotation)
}
