package registry

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"deploycli/pkg/archive"
	"deploycli/pkg/bus"
	"deploycli/pkg/digest"
	"deploycli/pkg/manifest"
	"deploycli/pkg/signing"
)

// Response headers of a 200 download.
const (
	HeaderDigest = "X-Task-Digest"
)

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.registry.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if tasks == nil {
		tasks = []manifest.Task{}
	}
	respondJSON(w, http.StatusOK, tasks)
}

func taskFromForm(r *http.Request) (manifest.Task, error) {
	if err := r.ParseForm(); err != nil {
		return manifest.Task{}, fmt.Errorf("parse form: %w", err)
	}
	task := manifest.Task{
		ID:   formValue(r, "id", "uuid"),
		Name: formValue(r, "name"),
	}
	if err := task.Validate(); err != nil {
		return manifest.Task{}, err
	}
	return task, nil
}

// handleDownload packs the bundle to a request-scoped archive, digests the
// exact bytes, and answers 304 when they match the client's digest.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	task, err := taskFromForm(r)
	if err != nil {
		s.metrics.downloads.WithLabelValues(resultError).Inc()
		respondError(w, http.StatusBadRequest, err)
		return
	}
	clientDigest := formValue(r, "digest", "md5")
	key := task.Key()
	log := s.log.With().Str("task", key).Logger()

	// Uploads swap the directory with two renames; hold off writers until
	// the bundle is packed so the archive never sees the gap.
	s.writeMu.RLock()
	if !s.bundles.Exists(key) {
		s.writeMu.RUnlock()
		s.metrics.downloads.WithLabelValues(resultNotFound).Inc()
		respondError(w, http.StatusNotFound, ErrNotFound)
		return
	}

	start := time.Now()
	path, cleanup, err := s.bundles.PackTemp(r.Context(), key)
	s.writeMu.RUnlock()
	defer cleanup()
	if err != nil {
		s.metrics.downloads.WithLabelValues(resultError).Inc()
		log.Error().Err(err).Msg("pack bundle")
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.packDuration.Observe(time.Since(start).Seconds())

	sum, err := digest.File(digest.Detect(clientDigest), path)
	if err != nil {
		s.metrics.downloads.WithLabelValues(resultError).Inc()
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if digest.Equal(clientDigest, sum) {
		s.metrics.downloads.WithLabelValues(resultNotModified).Inc()
		log.Debug().Str("digest", sum).Msg("client up to date")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	file, err := os.Open(path)
	if err != nil {
		s.metrics.downloads.WithLabelValues(resultError).Inc()
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		s.metrics.downloads.WithLabelValues(resultError).Inc()
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if s.signer.CanSign() {
		sig, err := s.signer.Sign(sum)
		if err != nil {
			s.metrics.downloads.WithLabelValues(resultError).Inc()
			respondError(w, http.StatusInternalServerError, fmt.Errorf("sign digest: %w", err))
			return
		}
		w.Header().Set(signing.Header, sig)
	}
	w.Header().Set("Content-Type", archive.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", key+archive.Extension))
	w.Header().Set(HeaderDigest, sum)
	w.WriteHeader(http.StatusOK)
	s.metrics.downloads.WithLabelValues(resultTransferred).Inc()

	n, err := io.Copy(w, file)
	s.metrics.bytesSent.Add(float64(n))
	if err != nil {
		log.Warn().Err(err).Int64("sent", n).Msg("stream archive")
		return
	}
	log.Debug().Str("digest", sum).Int64("bytes", n).Msg("archive sent")
}

// TaskEvent is published when a bundle is uploaded or deleted.
type TaskEvent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	At          time.Time `json:"at"`
}

func newTaskEvent(t manifest.Task) TaskEvent {
	return TaskEvent{ID: t.ID, Name: t.Name, Description: t.Description, At: time.Now().UTC()}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	task, err := taskFromForm(r)
	if err != nil {
		s.metrics.deletes.WithLabelValues(resultRejected).Inc()
		respondError(w, http.StatusBadRequest, err)
		return
	}
	key := task.Key()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	dirErr := s.bundles.Remove(key)
	if dirErr != nil && !errors.Is(dirErr, ErrNotFound) {
		s.metrics.deletes.WithLabelValues(resultError).Inc()
		respondError(w, http.StatusInternalServerError, dirErr)
		return
	}
	regErr := s.registry.Remove(r.Context(), task.ID, task.Name)
	if regErr != nil && !errors.Is(regErr, ErrNotFound) {
		s.metrics.deletes.WithLabelValues(resultError).Inc()
		respondError(w, http.StatusInternalServerError, regErr)
		return
	}
	if dirErr != nil && regErr != nil {
		s.metrics.deletes.WithLabelValues(resultNotFound).Inc()
		respondError(w, http.StatusNotFound, ErrNotFound)
		return
	}

	if s.mirror != nil {
		if err := s.mirror.DeleteObject(r.Context(), s.mirror.Key(key+archive.Extension)); err != nil {
			s.log.Warn().Err(err).Str("task", key).Msg("delete mirrored archive")
		}
	}
	s.metrics.deletes.WithLabelValues(resultOK).Inc()
	s.publish(r.Context(), bus.SubjectDeleted, newTaskEvent(task))
	s.log.Info().Str("task", key).Msg("task deleted")
	respondJSON(w, http.StatusOK, "delete successfully")
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Reconcile(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}
