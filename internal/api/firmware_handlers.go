package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	apierrors "github.com/fleetota/control-plane/internal/api/errors"
	"github.com/fleetota/control-plane/internal/core"
	"github.com/fleetota/control-plane/internal/firmware"
)

const maxUploadMemory = 32 << 20 // buffer this much of a multipart upload in memory before spilling to disk

func uploadFirmwareHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			apierrors.WriteError(w, apierrors.ValidationError("invalid multipart upload: "+err.Error()))
			return
		}

		version := r.FormValue("version")
		if version == "" {
			apierrors.WriteError(w, apierrors.ValidationError("version is required"))
			return
		}
		description := r.FormValue("description")

		file, header, err := r.FormFile("file")
		if err != nil {
			apierrors.WriteError(w, apierrors.ValidationError("file is required: "+err.Error()))
			return
		}
		defer file.Close()

		fw, err := config.Firmware.Upload(r.Context(), file, version, header.Filename, description)
		if err != nil {
			writeFirmwareError(w, err)
			return
		}

		recordAudit(r.Context(), config, r, "firmware.upload", "firmware", fw.ID, fw.Version,
			map[string]interface{}{"sizeBytes": fw.SizeBytes, "contentHash": fw.ContentHash}, core.AuditInfo)
		writeCreated(w, fw)
	}
}

func deleteFirmwareHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version := mux.Vars(r)["version"]
		if err := config.Firmware.Delete(r.Context(), version); err != nil {
			writeFirmwareError(w, err)
			return
		}

		recordAudit(r.Context(), config, r, "firmware.delete", "firmware", version, version, nil, core.AuditWarning)
		writeNoContent(w)
	}
}

func streamFirmwareHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version := mux.Vars(r)["version"]
		size, hash, body, err := config.Firmware.Stream(r.Context(), version)
		if err != nil {
			writeFirmwareError(w, err)
			return
		}
		defer body.Close()

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
		w.Header().Set("X-Firmware-Version", version)
		w.Header().Set("X-Checksum", hash)
		w.WriteHeader(http.StatusOK)
		io.Copy(w, body)
	}
}

func diffFirmwareHandler(config RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		versionA, versionB := q.Get("a"), q.Get("b")
		if versionA == "" || versionB == "" {
			apierrors.WriteError(w, apierrors.ValidationError("both 'a' and 'b' query parameters are required"))
			return
		}

		diff, err := config.Firmware.Diff(r.Context(), versionA, versionB)
		if err != nil {
			writeFirmwareError(w, err)
			return
		}
		writeOK(w, diff)
	}
}

// writeFirmwareError maps internal/firmware's sentinels to the HTTP statuses
// §4.2 and §7 describe.
func writeFirmwareError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, firmware.ErrExtensionNotAllowed), errors.Is(err, firmware.ErrTooLarge), errors.Is(err, core.ErrInvalidVersion):
		apierrors.WriteError(w, apierrors.ValidationError(err.Error()))
	case errors.Is(err, firmware.ErrPathEscape):
		apierrors.WriteError(w, apierrors.ValidationError(err.Error()))
	case errors.Is(err, core.ErrFirmwareExists):
		apierrors.WriteError(w, apierrors.ConflictError(err.Error()))
	case errors.Is(err, core.ErrFirmwareNotFound):
		apierrors.WriteError(w, apierrors.NotFoundError("firmware"))
	default:
		apierrors.WriteError(w, apierrors.InternalError(err.Error()))
	}
}
