package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"os"

	"github.com/julienschmidt/httprouter"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/mcpmate/marketproxy/internal/config"
	"github.com/mcpmate/marketproxy/internal/errors"
	"github.com/mcpmate/marketproxy/internal/logging"
	"github.com/mcpmate/marketproxy/internal/middleware"
)

// maxOverrideBody bounds an override PUT body.
const maxOverrideBody = 1 << 20

var errNoOverrideFile = errors.New(http.StatusConflict, "Override file not configured")

// handleOverridePut writes a partial portal override into the override
// document. The watcher picks the edit up, so the running portal table
// follows within the debounce window.
func (a *API) handleOverridePut(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	requestID := middleware.GetRequestID(r)

	if _, ok := a.snapshot().Lookup(id); !ok {
		errors.ErrNotFound.WithDetails("unknown portal id: " + id).WithRequestID(requestID).WriteJSON(w)
		return
	}
	if a.overridesFile == "" {
		errNoOverrideFile.WithRequestID(requestID).WriteJSON(w)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxOverrideBody))
	if err != nil {
		errors.ErrBadRequest.WithDetails("reading body: " + err.Error()).WithRequestID(requestID).WriteJSON(w)
		return
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		errors.ErrBadRequest.WithDetails("override body must be a JSON object").WithRequestID(requestID).WriteJSON(w)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	current, err := a.readOverrideDoc()
	if err != nil {
		errors.ErrInternalServer.WithDetails(err.Error()).WithRequestID(requestID).WriteJSON(w)
		return
	}

	updated, err := sjson.SetRawBytes(current, id, body)
	if err != nil {
		errors.ErrInternalServer.WithDetails(err.Error()).WithRequestID(requestID).WriteJSON(w)
		return
	}
	if err := config.ValidateOverrides(updated); err != nil {
		errors.ErrBadRequest.WithDetails(err.Error()).WithRequestID(requestID).WriteJSON(w)
		return
	}
	if err := os.WriteFile(a.overridesFile, updated, 0o644); err != nil {
		errors.ErrInternalServer.WithDetails(err.Error()).WithRequestID(requestID).WriteJSON(w)
		return
	}

	logging.Info("portal override updated", zap.String("portal", id))
	writeOK(w, id)
}

// handleOverrideDelete removes a portal's override entry. Deleting an entry
// that does not exist still succeeds, the document ends up the same either
// way.
func (a *API) handleOverrideDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	requestID := middleware.GetRequestID(r)

	if _, ok := a.snapshot().Lookup(id); !ok {
		errors.ErrNotFound.WithDetails("unknown portal id: " + id).WithRequestID(requestID).WriteJSON(w)
		return
	}
	if a.overridesFile == "" {
		errNoOverrideFile.WithRequestID(requestID).WriteJSON(w)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	current, err := a.readOverrideDoc()
	if err != nil {
		errors.ErrInternalServer.WithDetails(err.Error()).WithRequestID(requestID).WriteJSON(w)
		return
	}

	updated, err := sjson.DeleteBytes(current, id)
	if err != nil {
		errors.ErrInternalServer.WithDetails(err.Error()).WithRequestID(requestID).WriteJSON(w)
		return
	}
	if err := os.WriteFile(a.overridesFile, updated, 0o644); err != nil {
		errors.ErrInternalServer.WithDetails(err.Error()).WithRequestID(requestID).WriteJSON(w)
		return
	}

	logging.Info("portal override removed", zap.String("portal", id))
	writeOK(w, id)
}

// readOverrideDoc returns the override document, treating a missing or empty
// file as an empty object.
func (a *API) readOverrideDoc() ([]byte, error) {
	data, err := os.ReadFile(a.overridesFile)
	if os.IsNotExist(err) {
		return []byte("{}"), nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []byte("{}"), nil
	}
	return data, nil
}

func writeOK(w http.ResponseWriter, id string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "id": id})
}
