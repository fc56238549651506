package engine

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ssd-technologies/umbra/internal/blob"
	"github.com/ssd-technologies/umbra/internal/stream"
)

// LocalAPI exposes the engine as a localhost HTTP REST API. All
// endpoints are prefixed with /local/ and return JSON responses, except
// download data which streams the decrypted bytes.
type LocalAPI struct {
	engine *Engine
}

// NewLocalAPI creates a LocalAPI wrapping the given engine.
func NewLocalAPI(e *Engine) *LocalAPI {
	return &LocalAPI{engine: e}
}

// Handler returns an http.Handler routing requests to the API methods.
// Designed to be mounted on a localhost-only HTTP server.
func (api *LocalAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/local/status", api.handleStatus)
	mux.HandleFunc("/local/peers", api.handlePeers)
	mux.HandleFunc("/local/blobs", api.handleBlobs)
	mux.HandleFunc("/local/streams", api.handleStreams)
	mux.HandleFunc("/local/streams/", api.handleStreamByHash)
	mux.HandleFunc("/local/downloads", api.handleDownloads)
	mux.HandleFunc("/local/downloads/", api.handleDownloadByID)
	mux.HandleFunc("/local/reflect", api.handleReflect)

	return mux
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseHash parses a 96-char hex blob hash from a request value.
func parseHash(w http.ResponseWriter, s string) (blob.Hash, bool) {
	h, err := blob.HashFromHex(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid blob hash: must be 96-char hex")
		return blob.Hash{}, false
	}
	return h, true
}

// handleStatus responds with the node snapshot.
// GET /local/status
func (api *LocalAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, api.engine.Status())
}

// handlePeers lists all known peers in the routing table.
// GET /local/peers
func (api *LocalAPI) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	node := api.engine.Node()
	if node == nil {
		writeError(w, http.StatusServiceUnavailable, "node not started")
		return
	}

	all := node.Table().ClosestN(node.ID(), 1000)
	type peerEntry struct {
		ID       string `json:"id"`
		Address  string `json:"address"`
		BlobAddr string `json:"blob_addr"`
	}
	peers := make([]peerEntry, 0, len(all))
	for _, p := range all {
		peers = append(peers, peerEntry{
			ID:       p.ID.Hex(),
			Address:  p.Address,
			BlobAddr: p.BlobAddr,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"peers": peers})
}

// handleBlobs lists locally held blob hashes.
// GET /local/blobs?offset=N&limit=N
func (api *LocalAPI) handleBlobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit == 0 {
		limit = 100
	}

	hashes, err := api.engine.Store().List(offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list blobs: "+err.Error())
		return
	}
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.Hex()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"blobs": out})
}

// handleStreams handles stream publishing.
// POST /local/streams?name=X  body: raw file bytes
func (api *LocalAPI) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "name parameter required")
		return
	}

	desc, sdHash, err := api.engine.Publish(name, r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "publish failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sd_hash":     sdHash.Hex(),
		"stream_hash": desc.StreamHash,
		"blobs":       len(desc.DataBlobs()),
		"size":        desc.TotalPlaintext(),
	})
}

// handleStreamByHash returns a locally held stream descriptor.
// GET /local/streams/{sd_hash}
func (api *LocalAPI) handleStreamByHash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	hex := strings.TrimPrefix(r.URL.Path, "/local/streams/")
	h, ok := parseHash(w, hex)
	if !ok {
		return
	}

	data, err := api.engine.Store().Get(h)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeError(w, http.StatusNotFound, "sd blob not held locally")
		} else {
			writeError(w, http.StatusInternalServerError, "read sd blob: "+err.Error())
		}
		return
	}
	desc, err := stream.Decode(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "decode descriptor: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// handleDownloads handles download listing and creation.
// GET  /local/downloads
// POST /local/downloads  body: {"sd_hash":"hex","timeout_seconds":N}
func (api *LocalAPI) handleDownloads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.listDownloads(w)
	case http.MethodPost:
		api.startDownload(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// downloadView is the JSON shape of one download.
type downloadView struct {
	ID        string `json:"id"`
	SDHash    string `json:"sd_hash"`
	State     string `json:"state"`
	Completed int    `json:"completed_blobs"`
	Total     int    `json:"total_blobs"`
	Error     string `json:"error,omitempty"`
}

func viewOf(h *stream.Handle) downloadView {
	completed, total := h.Progress()
	v := downloadView{
		ID:        h.ID,
		SDHash:    h.SDHash.Hex(),
		State:     h.State().String(),
		Completed: completed,
		Total:     total,
	}
	if err := h.Err(); err != nil {
		v.Error = err.Error()
	}
	return v
}

func (api *LocalAPI) listDownloads(w http.ResponseWriter) {
	handles := api.engine.Downloads()
	views := make([]downloadView, 0, len(handles))
	for _, h := range handles {
		views = append(views, viewOf(h))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"downloads": views})
}

func (api *LocalAPI) startDownload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SDHash         string `json:"sd_hash"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	h, ok := parseHash(w, req.SDHash)
	if !ok {
		return
	}

	handle, err := api.engine.Get(r.Context(), h, time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		if errors.Is(err, ErrNotStarted) {
			writeError(w, http.StatusServiceUnavailable, "node not started")
		} else {
			writeError(w, http.StatusInternalServerError, "start download: "+err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, viewOf(handle))
}

// handleDownloadByID handles per-download operations.
// GET    /local/downloads/{id}       -> progress snapshot
// GET    /local/downloads/{id}/data  -> stream the decrypted bytes
// DELETE /local/downloads/{id}       -> cancel and forget
func (api *LocalAPI) handleDownloadByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/local/downloads/")
	if path == "" {
		writeError(w, http.StatusBadRequest, "download ID required in path")
		return
	}
	parts := strings.SplitN(path, "/", 2)
	h, ok := api.engine.Download(parts[0])
	if !ok {
		writeError(w, http.StatusNotFound, "no such download")
		return
	}

	if len(parts) == 2 && parts[1] == "data" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		api.streamDownloadData(w, h)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, viewOf(h))
	case http.MethodDelete:
		h.Cancel()
		api.engine.DropDownload(h.ID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "id": h.ID})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// streamDownloadData copies the download's plaintext to the response as
// it arrives. The handle's reader is single-use; a second data request
// for the same download sees an empty or failed stream.
func (api *LocalAPI) streamDownloadData(w http.ResponseWriter, h *stream.Handle) {
	w.Header().Set("Content-Type", "application/octet-stream")
	if d := h.Descriptor(); d != nil {
		w.Header().Set("Content-Length", strconv.FormatInt(d.TotalPlaintext(), 10))
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, h.Reader())
}

// handleReflect pushes a locally held stream to a reflector.
// POST /local/reflect  body: {"address":"host:port","sd_hash":"hex"}
func (api *LocalAPI) handleReflect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Address string `json:"address"`
		SDHash  string `json:"sd_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "address required")
		return
	}
	h, ok := parseHash(w, req.SDHash)
	if !ok {
		return
	}

	sent, err := api.engine.Reflect(r.Context(), req.Address, h)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reflect failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "reflected", "blobs_sent": sent})
}
