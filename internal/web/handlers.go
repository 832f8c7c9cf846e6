package web

import (
	"fmt"
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"github.com/user/abusewatch/internal/admin"
	"github.com/user/abusewatch/internal/daemon"
	"github.com/user/abusewatch/internal/model"
	"github.com/user/abusewatch/internal/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handlers contains HTTP handlers.
type Handlers struct {
	svc    *admin.Service
	config *util.Config
}

// NewHandlers creates new handlers.
func NewHandlers(svc *admin.Service, cfg *util.Config) *Handlers {
	return &Handlers{
		svc:    svc,
		config: cfg,
	}
}

// APIGetStats returns summary statistics.
func (h *Handlers) APIGetStats(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.Stats())
}

// APIGetThreats returns a page of threats.
func (h *Handlers) APIGetThreats(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)
	opts.IncludeMarkedSafe = boolParam(r, "include_marked_safe")
	writeResult(w, h.svc.Threats(opts))
}

// APIGetHosts returns a page of checked hosts.
func (h *Handlers) APIGetHosts(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.Hosts(listOptions(r)))
}

// APIMarkSafe marks a threat as a false positive.
func (h *Handlers) APIMarkSafe(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("by")
	if actor == "" {
		actor = "web"
	}
	writeResult(w, h.svc.MarkSafe(r.Context(), r.PathValue("ip"), actor))
}

// APIUnmarkSafe clears the marked-safe flag.
func (h *Handlers) APIUnmarkSafe(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.UnmarkSafe(r.Context(), r.PathValue("ip")))
}

// APIRemoveHost removes a threat record.
func (h *Handlers) APIRemoveHost(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.RemoveHost(r.Context(), r.PathValue("ip")))
}

// APICheckIP runs a manual check.
func (h *Handlers) APICheckIP(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.CheckIP(r.Context(), r.PathValue("ip")))
}

// APISyncAlias republishes the firewall alias.
func (h *Handlers) APISyncAlias(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.SyncAlias(r.Context()))
}

// APIExport returns an export. With download=true the raw file is sent.
func (h *Handlers) APIExport(w http.ResponseWriter, r *http.Request) {
	res := h.svc.Export(model.ExportOptions{
		Format:            r.URL.Query().Get("format"),
		IncludeSuspicious: boolParam(r, "include_suspicious"),
		IncludeMarkedSafe: boolParam(r, "include_marked_safe"),
	})
	if !res.OK() || !boolParam(r, "download") {
		writeResult(w, res)
		return
	}

	view := res.Data.(admin.ExportView)
	w.Header().Set("Content-Type", contentType(view.Format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", view.Filename))
	w.Write([]byte(view.Content))
}

// APIGetConnections returns the newest accepted connections.
func (h *Handlers) APIGetConnections(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.RecentConnections(r.Context(), intParam(r, "limit", 50)))
}

// APIGetStatus returns daemon status.
func (h *Handlers) APIGetStatus(w http.ResponseWriter, r *http.Request) {
	running, pid := daemon.CheckRunning(h.config.DataDir)

	status := map[string]any{
		"running": running,
		"pid":     pid,
	}
	if sf, err := daemon.ReadStatusFile(h.config.DataDir); err == nil {
		status["daemon"] = sf
	}

	writeJSON(w, http.StatusOK, status)
}

func listOptions(r *http.Request) model.ListOptions {
	return model.ListOptions{
		Page:   intParam(r, "page", 1),
		Limit:  intParam(r, "limit", 20),
		Search: r.URL.Query().Get("search"),
	}
}

func intParam(r *http.Request, name string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil {
		return v
	}
	return def
}

func boolParam(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

func contentType(format string) string {
	switch format {
	case "json":
		return "application/json"
	case "csv":
		return "text/csv; charset=utf-8"
	case "markdown":
		return "text/markdown; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

func httpStatus(s admin.Status) int {
	switch s {
	case admin.StatusOK:
		return http.StatusOK
	case admin.StatusNotFound:
		return http.StatusNotFound
	case admin.StatusLimited:
		return http.StatusTooManyRequests
	case admin.StatusDisabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func writeResult(w http.ResponseWriter, res admin.Result) {
	writeJSON(w, httpStatus(res.Status), res)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
