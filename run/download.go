package run

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"keyharvest/domain"
	"keyharvest/export"
	"keyharvest/ossstore"
)

const xlsxFileName = "keys.xlsx"

// handleExport renders the requested export of a run to disk and hands it out,
// through an OSS signed URL when OSS is configured.
func (s *Service) handleExport(w http.ResponseWriter, r *http.Request, run *domain.Run) {
	q := r.URL.Query()
	kind, err := export.ParseKind(q.Get("kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	format := strings.ToLower(strings.TrimSpace(q.Get("format")))
	switch format {
	case "", "json", "txt":
		format = "txt"
	case "xlsx":
	default:
		http.Error(w, "format must be txt or xlsx", http.StatusBadRequest)
		return
	}

	dir := filepath.Join(s.cfg.ExportRoot, run.ID)
	name := kind.FileName()
	if format == "xlsx" {
		name = xlsxFileName
	}
	localPath := filepath.Join(dir, name)
	if format == "xlsx" {
		err = export.WriteXLSX(localPath, run.Keys)
	} else {
		_, err = export.WriteText(localPath, kind, run.Keys)
	}
	if err != nil {
		switch {
		case errors.Is(err, export.ErrNoKeys), errors.Is(err, export.ErrNoDuplicates):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			s.log.Error("export failed", "run_id", run.ID, "kind", kind, "format", format, "err", err)
			http.Error(w, "export failed", http.StatusInternalServerError)
		}
		return
	}
	s.log.Info("export written", "run_id", run.ID, "file", name)

	if s.cfg.OSS != nil && s.cfg.OSS.Enabled() {
		key := s.cfg.OSS.ObjectKeyForExport(run.ID, name)
		if err := s.cfg.OSS.PutExportFile(key, localPath); err != nil {
			http.Error(w, "upload to OSS failed: "+err.Error(), http.StatusBadGateway)
			return
		}
		_ = os.Remove(localPath)
		signed, err := s.cfg.OSS.SignDownloadURL(key, name)
		if err != nil {
			http.Error(w, "sign download url failed", http.StatusBadGateway)
			return
		}
		if wantsJSON(r) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"url":      signed,
				"filename": name,
			})
			return
		}
		http.Redirect(w, r, signed, http.StatusFound)
		return
	}

	if wantsJSON(r) {
		// relative path so a proxy prefix in front of the API keeps working
		link := r.URL.Path + "?kind=" + url.QueryEscape(string(kind))
		if format == "xlsx" {
			link += "&format=xlsx"
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"url":      link,
			"filename": name,
		})
		return
	}
	w.Header().Set("Content-Type", ossstore.ContentTypeFor(name))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", name, url.PathEscape(name)))
	http.ServeFile(w, r, localPath)
}
