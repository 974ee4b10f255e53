package registry

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"deploycli/pkg/archive"
	"deploycli/pkg/bus"
	"deploycli/pkg/manifest"
)

const uploadField = "file"

var errNoUpload = errors.New("no file uploaded")

// handleUpload accepts a multipart part "file" named "<name>-<id>" holding a
// bundle archive, and installs it over any existing bundle of that name.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	reader, err := r.MultipartReader()
	if err != nil {
		s.metrics.uploads.WithLabelValues(resultRejected).Inc()
		respondError(w, http.StatusBadRequest, fmt.Errorf("multipart body: %w", err))
		return
	}

	var (
		key  string
		path string
	)
	defer func() {
		if path != "" {
			os.Remove(path)
		}
	}()

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.metrics.uploads.WithLabelValues(resultRejected).Inc()
			respondError(w, http.StatusBadRequest, fmt.Errorf("multipart body: %w", err))
			return
		}
		if part.FormName() != uploadField {
			part.Close()
			continue
		}

		key = strings.TrimSpace(part.FileName())
		if err := validateUploadName(key); err != nil {
			part.Close()
			s.metrics.uploads.WithLabelValues(resultRejected).Inc()
			respondError(w, http.StatusBadRequest, err)
			return
		}

		path = s.bundles.tempPath(key, ".upload"+archive.Extension)
		if err := saveTo(path, part); err != nil {
			part.Close()
			s.metrics.uploads.WithLabelValues(resultError).Inc()
			respondError(w, http.StatusInternalServerError, fmt.Errorf("receive upload: %w", err))
			return
		}
		part.Close()
		break
	}

	if path == "" {
		s.metrics.uploads.WithLabelValues(resultRejected).Inc()
		respondError(w, http.StatusBadRequest, errNoUpload)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	installed, err := s.bundles.Install(r.Context(), key, path)
	if err != nil {
		status := http.StatusInternalServerError
		result := resultError
		if isBadBundle(err) {
			status, result = http.StatusBadRequest, resultRejected
		}
		s.metrics.uploads.WithLabelValues(result).Inc()
		s.log.Warn().Err(err).Str("task", key).Msg("upload rejected")
		respondError(w, status, err)
		return
	}

	task := installed.Task

	if err := s.registry.Upsert(r.Context(), task); err != nil {
		if rbErr := installed.Rollback(); rbErr != nil {
			s.log.Error().Err(rbErr).Str("task", key).Msg("roll back upload")
		}
		s.metrics.uploads.WithLabelValues(resultError).Inc()
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	installed.Commit()

	if s.mirror != nil {
		objectKey := s.mirror.Key(key + archive.Extension)
		meta := map[string]string{"task-id": task.ID, "task-name": task.Name}
		if err := s.mirror.PutFile(r.Context(), objectKey, path, meta); err != nil {
			s.log.Warn().Err(err).Str("task", key).Str("object", objectKey).Msg("mirror archive")
		}
	}

	s.metrics.uploads.WithLabelValues(resultOK).Inc()
	s.publish(r.Context(), bus.SubjectUploaded, newTaskEvent(task))
	s.log.Info().Str("task", key).Msg("task uploaded")
	respondJSON(w, http.StatusOK, "upload successfully")
}

func validateUploadName(name string) error {
	if name == "" {
		return errNoUpload
	}
	if strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("invalid upload file name %q", name)
	}
	return nil
}

func isBadBundle(err error) bool {
	return errors.Is(err, archive.ErrCorrupt) ||
		errors.Is(err, archive.ErrUnsafePath) ||
		errors.Is(err, manifest.ErrMissingManifest) ||
		errors.Is(err, manifest.ErrMissingEntryScript) ||
		errors.Is(err, manifest.ErrInvalidManifest)
}

func saveTo(path string, r io.Reader) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
