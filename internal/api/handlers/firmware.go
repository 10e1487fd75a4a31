package handlers

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"firmware-depot/internal/auth"
	"firmware-depot/internal/semver"
	"firmware-depot/internal/storage"
	"firmware-depot/internal/util"
	"firmware-depot/internal/webhook"
)

// FirmwareHandler translates HTTP to storage calls for firmware
// resources.
type FirmwareHandler struct {
	Auth              auth.Auth
	Store             *storage.Manager
	Webhooks          *webhook.Service
	MaxBytes          int64
	AllowedExtensions []string
}

// ServeHTTP dispatches /api/firmware/ subroutes.
func (h *FirmwareHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/firmware/")
	parts := filterEmpty(strings.Split(path, "/"))
	if len(parts) == 0 {
		util.WriteError(w, http.StatusBadRequest, "missing firmware id")
		return
	}

	// POST /api/firmware/upload
	if len(parts) == 1 && parts[0] == "upload" {
		if r.Method != http.MethodPost {
			util.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.Auth.RequireRole(auth.RoleFileManager, h.upload)(w, r)
		return
	}

	// /api/firmware/{id}
	if len(parts) == 1 {
		id := parts[0]
		switch r.Method {
		case http.MethodGet:
			h.get(w, r, id)
		case http.MethodPut:
			h.Auth.RequireRole(auth.RoleFileManager, func(w http.ResponseWriter, r *http.Request) {
				h.update(w, r, id)
			})(w, r)
		case http.MethodDelete:
			h.Auth.RequireRole(auth.RoleFileManager, func(w http.ResponseWriter, r *http.Request) {
				h.delete(w, r, id)
			})(w, r)
		default:
			util.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	if len(parts) == 2 && r.Method == http.MethodGet {
		switch parts[1] {
		// GET /api/firmware/{id}/download
		case "download":
			h.download(w, r, parts[0])
			return
		// GET /api/firmware/{type}/latest
		case "latest":
			h.latest(w, r, parts[0])
			return
		}
	}

	util.WriteError(w, http.StatusNotFound, "invalid firmware route")
}

// Collection dispatches /api/firmwares and /api/firmwares/stats.
func (h *FirmwareHandler) Collection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		util.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if strings.TrimSuffix(r.URL.Path, "/") == "/api/firmwares/stats" {
		h.stats(w, r)
		return
	}
	h.list(w, r)
}

// Devices godoc
// @Summary      List device types
// @Description  Get the distinct device types that have at least one firmware
// @Tags         firmware
// @Produce      json
// @Success      200  {array}   string
// @Failure      500  {string}  string  "Storage error"
// @Router       /devices [get]
func (h *FirmwareHandler) Devices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		util.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	types, err := h.Store.GetDeviceTypes(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	util.WriteJSON(w, types)
}

// list godoc
// @Summary      List firmwares
// @Description  List firmware records, optionally scoped to a device type or a free-text search, newest first
// @Tags         firmware
// @Produce      json
// @Param        device   query     string  false  "Device type to scope the listing to"
// @Param        search   query     string  false  "Case-insensitive text search over device, version, description and filename"
// @Param        number   query     int     false  "Maximum number of records to return"
// @Param        version  query     string  false  "Version range pattern (exact, wildcard, >=/<=/>/<, ~ or ^)"
// @Param        stable   query     bool    false  "Only stable release versions"
// @Param        minimal  query     bool    false  "Project each record to id, version and sha1"
// @Success      200      {array}   storage.Firmware
// @Failure      500      {string}  string  "Storage error"
// @Router       /firmwares [get]
func (h *FirmwareHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.Options{
		OnlyStable: truthy(q.Get("stable")),
		Minimal:    truthy(q.Get("minimal")),
	}
	if v := q.Get("number"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}

	device := strings.TrimSpace(q.Get("device"))
	search := strings.TrimSpace(q.Get("search"))
	version := strings.TrimSpace(q.Get("version"))

	// A range pattern narrows the result set after the backend query,
	// so the limit has to wait until the pattern has been applied.
	limit := opts.Limit
	if version != "" {
		opts.Limit = 0
	}

	var (
		fws []storage.Firmware
		err error
	)
	switch {
	case search != "":
		fws, err = h.Store.SearchFirmwares(r.Context(), search, opts)
		if err == nil && device != "" {
			scoped := fws[:0]
			for _, fw := range fws {
				if fw.DeviceType == device {
					scoped = append(scoped, fw)
				}
			}
			fws = scoped
		}
	case device != "":
		fws, err = h.Store.GetFirmwaresByDevice(r.Context(), device, opts)
	default:
		fws, err = h.Store.GetAllFirmwares(r.Context(), opts)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if version != "" {
		fws = storage.FilterVersion(fws, version)
		if limit > 0 && len(fws) > limit {
			fws = fws[:limit]
		}
	}

	if opts.Minimal {
		util.WriteJSON(w, storage.MinimalOf(fws))
		return
	}
	util.WriteJSON(w, fws)
}

// stats godoc
// @Summary      Firmware statistics
// @Description  Aggregate counts and sizes across all firmwares, merged with analytics counters
// @Tags         firmware
// @Produce      json
// @Success      200  {object}  storage.Stats
// @Failure      500  {string}  string  "Storage error"
// @Router       /firmwares/stats [get]
func (h *FirmwareHandler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.GetFirmwareStats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	util.WriteJSON(w, stats)
}

// get godoc
// @Summary      Get firmware
// @Description  Get a single firmware record by id
// @Tags         firmware
// @Produce      json
// @Param        id   path      string  true  "Firmware ID"
// @Success      200  {object}  storage.Firmware
// @Failure      404  {string}  string  "Firmware not found"
// @Router       /firmware/{id} [get]
func (h *FirmwareHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	fw, err := h.Store.GetFirmwareByID(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	util.WriteJSON(w, fw)
}

// download godoc
// @Summary      Download firmware binary
// @Description  Download the stored payload for a firmware record
// @Tags         firmware
// @Produce      octet-stream
// @Param        id   path      string  true  "Firmware ID"
// @Success      200  {file}    binary  "Firmware binary"
// @Header       200  {string}  X-Checksum-Sha1  "SHA1 checksum of the payload"
// @Failure      404  {string}  string  "Firmware not found"
// @Router       /firmware/{id}/download [get]
func (h *FirmwareHandler) download(w http.ResponseWriter, r *http.Request, id string) {
	fw, err := h.Store.GetFirmwareByID(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	payload, err := h.Store.GetFirmwareFile(r.Context(), fw.FileID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	mimetype := fw.Mimetype
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimetype)
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.Header().Set("Content-Disposition", `attachment; filename="`+fw.OriginalName+`"`)
	w.Header().Set("X-Checksum-Sha1", fw.SHA1)
	_, _ = w.Write(payload)

	h.countDownload(r)
}

// countDownload bumps the download counter. A failure only loses a
// statistic, never the download itself.
func (h *FirmwareHandler) countDownload(r *http.Request) {
	ctx := r.Context()
	total := int64(0)
	if v, err := h.Store.GetAnalytics(ctx, "totalDownloads"); err == nil {
		switch n := v.(type) {
		case int64:
			total = n
		case float64:
			total = int64(n)
		case int:
			total = int64(n)
		}
	}
	if err := h.Store.SetAnalytics(ctx, "totalDownloads", total+1); err != nil {
		log.Warn().Err(err).Msg("Could not update download counter")
	}
}

// latest godoc
// @Summary      Latest firmware for a device type
// @Description  Get the newest firmware for a device type by semantic version precedence
// @Tags         firmware
// @Produce      json
// @Param        type  path      string  true  "Device type"
// @Success      200   {object}  storage.Firmware
// @Failure      404   {string}  string  "No firmware found"
// @Router       /firmware/{type}/latest [get]
func (h *FirmwareHandler) latest(w http.ResponseWriter, r *http.Request, deviceType string) {
	fws, err := h.Store.GetFirmwaresByDevice(r.Context(), deviceType, storage.Options{Limit: 1})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if len(fws) == 0 {
		util.WriteError(w, http.StatusNotFound, "no firmware for device type")
		return
	}
	util.WriteJSON(w, fws[0])
}

// upload godoc
// @Summary      Upload firmware
// @Description  Upload a firmware binary with its metadata
// @Tags         firmware
// @Accept       multipart/form-data
// @Produce      json
// @Param        deviceType   formData  string  true  "Device type (e.g., esp32-main)"
// @Param        version      formData  string  true  "Semantic version (e.g., 1.2.3)"
// @Param        description  formData  string  true  "Release description"
// @Param        firmware     formData  file    true  "Firmware binary file"
// @Success      201          {object}  storage.Firmware
// @Failure      400          {string}  string  "Invalid metadata or duplicate version"
// @Failure      401          {string}  string  "Unauthorized"
// @Failure      500          {string}  string  "Save failed"
// @Security     BearerAuth
// @Router       /firmware/upload [post]
func (h *FirmwareHandler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxBytes)

	if err := r.ParseMultipartForm(h.MaxBytes); err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}

	deviceType := strings.TrimSpace(r.FormValue("deviceType"))
	if deviceType == "" {
		deviceType = strings.TrimSpace(r.FormValue("device"))
	}
	version := strings.TrimSpace(r.FormValue("version"))
	description := strings.TrimSpace(r.FormValue("description"))

	if deviceType == "" || version == "" || description == "" {
		util.WriteError(w, http.StatusBadRequest, "deviceType, version and description are required")
		return
	}
	if !semver.IsValid(version) {
		util.WriteError(w, http.StatusBadRequest, "version is not valid semver")
		return
	}

	file, header, err := r.FormFile("firmware")
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, "missing firmware file field")
		return
	}
	defer func(file multipart.File) {
		_ = file.Close()
	}(file)

	if !h.extensionAllowed(header.Filename) {
		util.WriteError(w, http.StatusBadRequest, "file extension not allowed")
		return
	}

	payload, err := io.ReadAll(file)
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, "could not read firmware file")
		return
	}

	sum := sha1.Sum(payload)
	identity, _ := auth.IdentityFrom(r.Context())

	fw := storage.Firmware{
		DeviceType:   deviceType,
		Version:      version,
		Description:  description,
		OriginalName: header.Filename,
		Size:         int64(len(payload)),
		SHA1:         hex.EncodeToString(sum[:]),
		UploadedBy:   identity.Username,
		Mimetype:     header.Header.Get("Content-Type"),
	}

	saved, err := h.Store.AddFirmware(r.Context(), fw, payload)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if h.Webhooks != nil {
		h.Webhooks.Dispatch(webhook.EventUploaded, saved)
	}
	util.WriteJSONStatus(w, http.StatusCreated, saved)
}

// update godoc
// @Summary      Update firmware metadata
// @Description  Change the version or description of an existing firmware record
// @Tags         firmware
// @Accept       json
// @Produce      json
// @Param        id    path      string                  true  "Firmware ID"
// @Param        body  body      storage.FirmwareUpdate  true  "Fields to change"
// @Success      200   {object}  storage.Firmware
// @Failure      400   {string}  string  "Invalid version or duplicate"
// @Failure      404   {string}  string  "Firmware not found"
// @Security     BearerAuth
// @Router       /firmware/{id} [put]
func (h *FirmwareHandler) update(w http.ResponseWriter, r *http.Request, id string) {
	var upd storage.FirmwareUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if upd.Version != "" && !semver.IsValid(upd.Version) {
		util.WriteError(w, http.StatusBadRequest, "version is not valid semver")
		return
	}

	if identity, ok := auth.IdentityFrom(r.Context()); ok {
		upd.UpdatedBy = identity.Username
	}

	fw, err := h.Store.UpdateFirmware(r.Context(), id, upd)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if h.Webhooks != nil {
		h.Webhooks.Dispatch(webhook.EventUpdated, fw)
	}
	util.WriteJSON(w, fw)
}

// delete godoc
// @Summary      Delete firmware
// @Description  Delete a firmware record and its payload
// @Tags         firmware
// @Produce      json
// @Param        id   path      string           true  "Firmware ID"
// @Success      200  {object}  map[string]bool  "Deletion confirmation"
// @Failure      404  {string}  string  "Firmware not found"
// @Security     BearerAuth
// @Router       /firmware/{id} [delete]
func (h *FirmwareHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	fw, err := h.Store.GetFirmwareByID(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	deleted, err := h.Store.DeleteFirmware(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !deleted {
		util.WriteError(w, http.StatusNotFound, "firmware not found")
		return
	}

	if h.Webhooks != nil {
		h.Webhooks.Dispatch(webhook.EventDeleted, fw)
	}
	util.WriteJSON(w, map[string]any{"deleted": true})
}

func (h *FirmwareHandler) extensionAllowed(filename string) bool {
	if len(h.AllowedExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range h.AllowedExtensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// writeStoreError maps storage sentinel errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		util.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrDuplicate):
		util.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrValidation):
		util.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrUnavailable):
		util.WriteError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		log.Error().Err(err).Msg("Unhandled storage error")
		util.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "on":
		return true
	}
	return false
}

func filterEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
