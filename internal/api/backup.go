package api

import (
	"net/http"
)

// handleBackup uploads a snapshot of the store to S3.
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if s.backup == nil {
		writeUnavailable(w, "backup is not configured")
		return
	}
	key, err := s.backup.Export(r.Context(), s.store)
	if err != nil {
		s.logger.Error("backup export failed", "error", err)
		writeInternalError(w, "backup export failed")
		return
	}
	s.logger.Info("backup exported", "key", key)
	writeJSON(w, http.StatusCreated, map[string]any{"key": key})
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	if s.backup == nil {
		writeUnavailable(w, "backup is not configured")
		return
	}
	objects, err := s.backup.List(r.Context())
	if err != nil {
		s.logger.Error("listing backups failed", "error", err)
		writeInternalError(w, "listing backups failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backups": objects,
		"count":   len(objects),
	})
}
