// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package credentials

import (
	"embed"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/devicecerts/core/access"
	"github.com/relabs-tech/devicecerts/core/logger"
	"github.com/relabs-tech/devicecerts/core/schema"
	"github.com/relabs-tech/devicecerts/iot/pki"
	"github.com/relabs-tech/devicecerts/iot/pki/issuance"
)

// Version is reported by the health route
const Version = "1.0.0"

const createSchemaID = "device_create.json"

//go:embed schemas/*.json
var schemaFiles embed.FS

// API is the RESTful interface of the device registry
type API struct {
	service   *Service
	validator *schema.Validator
}

// NewAPI realizes the REST interface of the registry and adds its routes to the router.
// All /devices routes require an authorization in the request context.
func NewAPI(service *Service, router *mux.Router) *API {
	if service == nil {
		panic("Service is missing")
	}
	if router == nil {
		panic("Router is missing")
	}
	sub, err := fs.Sub(schemaFiles, "schemas")
	if err != nil {
		panic(err)
	}
	validator, err := schema.NewValidatorFromFS(sub)
	if err != nil {
		panic(err)
	}
	a := &API{service: service, validator: validator}
	a.handleRoutes(router)
	return a
}

type deviceResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Serial    string    `json:"serial"`
	NotAfter  time.Time `json:"not_after"`
	CreatedAt time.Time `json:"created_at"`
}

func newDeviceResponse(r *Record) deviceResponse {
	return deviceResponse{ID: r.ID, Name: r.Name, Serial: r.Serial, NotAfter: r.NotAfter, CreatedAt: r.CreatedAt}
}

type createRequest struct {
	Name string `json:"name"`
}

type createResponse struct {
	Device   deviceResponse `json:"device"`
	CertText string         `json:"cert_text"`
	Message  string         `json:"message"`
}

type viewResponse struct {
	CertText   string `json:"cert_text"`
	DeviceName string `json:"device_name"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

func (a *API) handleRoutes(router *mux.Router) {
	log := logger.Default()
	log.Debugln("device registry")

	log.Debugln("  handle route: / GET")
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "IoT Certificate Manager API", "version": Version})
	}).Methods(http.MethodGet)

	log.Debugln("  handle route: /health GET")
	router.HandleFunc("/health", a.health).Methods(http.MethodGet)

	devices := router.PathPrefix("/devices").Subrouter()
	devices.Use(access.Require)

	log.Debugln("  handle route: /devices/create POST")
	devices.HandleFunc("/create", a.create).Methods(http.MethodPost)

	log.Debugln("  handle route: /devices GET")
	list := handlers.CompressHandler(http.HandlerFunc(a.list))
	devices.Handle("", list).Methods(http.MethodGet)
	devices.Handle("/", list).Methods(http.MethodGet)

	log.Debugln("  handle route: /devices/{device}/view GET")
	devices.HandleFunc("/{device}/view", a.view).Methods(http.MethodGet)

	log.Debugln("  handle route: /devices/{device}/download GET")
	devices.HandleFunc("/{device}/download", a.download).Methods(http.MethodGet)

	log.Debugln("  handle route: /devices/{device}/download-url GET")
	devices.HandleFunc("/{device}/download-url", a.downloadURL).Methods(http.MethodGet)

	log.Debugln("  handle route: /devices/{device} DELETE")
	devices.HandleFunc("/{device}", a.delete).Methods(http.MethodDelete)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	res := healthResponse{Status: "healthy", Timestamp: time.Now().UTC(), Version: Version}
	status := http.StatusOK
	if !a.service.engine.CA().Valid() {
		res.Status = "ca unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func (a *API) create(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}
	if err := a.validator.ValidateBytes(body, createSchemaID); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "invalid json data", http.StatusBadRequest)
		return
	}
	var req createRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json data", http.StatusBadRequest)
		return
	}
	name := issuance.NormalizeIdentifier(req.Name)

	record, err := a.service.Create(r.Context(), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, createResponse{
		Device:   newDeviceResponse(record),
		CertText: record.CertText,
		Message:  "Certificate generated successfully for device '" + record.Name + "'",
	})
}

func (a *API) list(w http.ResponseWriter, r *http.Request) {
	records, err := a.service.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	res := make([]deviceResponse, 0, len(records))
	for i := range records {
		res = append(res, newDeviceResponse(&records[i]))
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) view(w http.ResponseWriter, r *http.Request) {
	kind := ArtifactKind(r.URL.Query().Get("cert_type"))
	if kind == "" {
		kind = ArtifactDeviceCert
	}
	text, record, err := a.service.View(r.Context(), mux.Vars(r)["device"], kind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	title := record.Name
	switch kind {
	case ArtifactCACert:
		title = "CA Certificate"
	case ArtifactPrivateKey:
		title = record.Name + " - Private Key"
	case ArtifactBundle:
		title = record.Name + " - Certificate Bundle"
	}
	writeJSON(w, http.StatusOK, viewResponse{CertText: text, DeviceName: title})
}

func (a *API) download(w http.ResponseWriter, r *http.Request) {
	archive, err := a.service.Download(r.Context(), mux.Vars(r)["device"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+archive.Filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(archive.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(archive.Data)
}

func (a *API) downloadURL(w http.ResponseWriter, r *http.Request) {
	expireIn := 15 * time.Minute
	if s := r.URL.Query().Get("expires_in"); s != "" {
		seconds, err := strconv.Atoi(s)
		if err != nil || seconds < 1 || seconds > 7*24*3600 {
			http.Error(w, "expires_in must be a number of seconds up to one week", http.StatusBadRequest)
			return
		}
		expireIn = time.Duration(seconds) * time.Second
	}
	url, err := a.service.DownloadURL(r.Context(), mux.Vars(r)["device"], expireIn)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"url": url, "expires_in": int(expireIn.Seconds())})
}

func (a *API) delete(w http.ResponseWriter, r *http.Request) {
	auth := access.AuthorizationFromContext(r.Context())
	password := r.URL.Query().Get("password")
	if password == "" {
		http.Error(w, "password is required", http.StatusBadRequest)
		return
	}
	record, err := a.service.Delete(r.Context(), mux.Vars(r)["device"], Credential{Identity: auth.Identity, Password: password})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Device '" + record.Name + "' deleted successfully"})
}

// error numbers for failures which are not the caller's fault
var errorNumbers = map[pki.Kind]int{
	pki.KindUnknown:         5310,
	pki.KindCAUnavailable:   5311,
	pki.KindSigningFailure:  5312,
	pki.KindIOFailure:       5313,
	pki.KindRegistryFailure: 5314,
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := pki.KindOf(err)
	status := kind.HTTPStatus()
	var perr *pki.Error
	hasPerr := errors.As(err, &perr)
	if number, ok := errorNumbers[kind]; ok {
		// the cause is shown, file paths are only logged
		logger.FromContext(r.Context()).WithError(err).Errorf("Error %d", number)
		msg := kind.String()
		switch {
		case hasPerr && perr.Message != "":
			msg += ": " + perr.Message
		case hasPerr && perr.Err != nil:
			cause := perr.Err
			var pathErr *fs.PathError
			if errors.As(cause, &pathErr) {
				cause = pathErr.Err
			}
			msg += ": " + cause.Error()
		}
		http.Error(w, "Error "+strconv.Itoa(number)+": "+msg, status)
		return
	}
	if hasPerr && perr.Message != "" {
		http.Error(w, perr.Message, status)
		return
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
