package gohttpd

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"

	uuid "github.com/satori/go.uuid"

	"go.uber.org/zap"

	"github.com/noblepayne/NACME/allocator"
	"github.com/noblepayne/NACME/datastore"
	"github.com/noblepayne/NACME/httpd"
	"github.com/noblepayne/NACME/issuer"
	"github.com/noblepayne/NACME/signer"
	"github.com/noblepayne/NACME/types"
)

// PublicAPI is the caller-facing onboarding daemon.
type PublicAPI struct {
	iss    issuer.Issuer
	logger *zap.Logger
}

// NewPublic is
func NewPublic(iss issuer.Issuer, logger *zap.Logger) (httpd.HTTPd, error) {
	return &PublicAPI{
		iss:    iss,
		logger: logger,
	}, nil
}

// Serve is
func (p *PublicAPI) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/", loggingHandler(p.logger, http.NotFoundHandler()))
	mux.Handle("/add", loggingHandler(p.logger, p.addHandler()))

	return serve(ctx, addr, mux)
}

func (p *PublicAPI) addHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req httpd.AddRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", err))
			return
		}

		var suggested net.IP
		if req.SuggestedIP != "" {
			suggested = net.ParseIP(req.SuggestedIP)
			if suggested == nil {
				writeError(w, http.StatusUnprocessableEntity, "suggested_ip must be a valid IP address")
				return
			}
		}

		var publicKey []byte
		if req.PublicKey != "" {
			publicKey = []byte(req.PublicKey)
		}

		bundle, err := p.iss.Issue(r.Context(), issuer.AddRequest{
			APIKey:         req.APIKey,
			HostnamePrefix: req.HostnamePrefix,
			PublicKeyPEM:   publicKey,
			SuggestedIP:    suggested,
			Groups:         req.Groups,
		})
		if err != nil {
			writeError(w, statusOf(err), err.Error())
			return
		}

		resp := httpd.CertBundle{
			CACert:   string(bundle.CACert),
			HostCert: string(bundle.HostCert),
			HostKey:  string(bundle.HostKey),
			IP:       fmt.Sprintf("%s/%d", bundle.IP.String(), bundle.PrefixLen),
			Hostname: bundle.Hostname,
			Expiry:   bundle.Expiry.Unix(),
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

// statusOf maps the issuance error taxonomy onto HTTP statuses: caller
// credential problems are 403, malformed input is 422, capacity and an
// unavailable signer are 503, and other operator-side failures are 500.
func statusOf(err error) int {
	switch {
	case errors.Is(err, issuer.ErrInvalidCredential),
		errors.Is(err, issuer.ErrCredentialExpired),
		errors.Is(err, issuer.ErrCredentialSpent),
		errors.Is(err, issuer.ErrGroupNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, issuer.ErrPublicKeyRequired),
		errors.Is(err, issuer.ErrInvalidPublicKey),
		errors.Is(err, allocator.ErrInvalidPrefix),
		errors.Is(err, allocator.ErrOutOfSubnet),
		errors.Is(err, allocator.ErrReservedAddress):
		return http.StatusUnprocessableEntity
	case errors.Is(err, issuer.ErrExhausted):
		return http.StatusServiceUnavailable
	}

	switch signer.KindOf(err) {
	case signer.KindInvalidIdentityParameters, signer.KindInvalidPublicKey:
		return http.StatusUnprocessableEntity
	case signer.KindBinaryNotFound:
		return http.StatusServiceUnavailable
	case signer.KindTimeout:
		return http.StatusGatewayTimeout
	}

	return http.StatusInternalServerError
}

// AdminAPI is the key-management daemon. Its listener should be firewalled.
type AdminAPI struct {
	ds        datastore.Datastore
	masterKey string
	logger    *zap.Logger
}

// NewAdmin is
func NewAdmin(ds datastore.Datastore, masterKey string, logger *zap.Logger) (httpd.HTTPd, error) {
	return &AdminAPI{
		ds:        ds,
		masterKey: masterKey,
		logger:    logger,
	}, nil
}

// Serve is
func (a *AdminAPI) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/", loggingHandler(a.logger, http.NotFoundHandler()))
	mux.Handle("/keys", loggingHandler(a.logger, a.verifyMasterKey(a.createKeyHandler())))

	return serve(ctx, addr, mux)
}

func (a *AdminAPI) verifyMasterKey(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-Master-Key")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(a.masterKey)) != 1 {
			writeError(w, http.StatusForbidden, "invalid master key")
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func (a *AdminAPI) createKeyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req httpd.CreateKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", err))
			return
		}
		if len(req.Groups) == 0 {
			writeError(w, http.StatusBadRequest, "at least one group is required")
			return
		}

		key, err := generateKey()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "key generation failed")
			return
		}

		_, err = a.ds.CreateCredential(r.Context(), issuer.HashKey(key), types.Groups(req.Groups), req.ExpiryUnix, req.UsesRemaining)
		if err != nil {
			a.logger.Error("api key creation failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "API key creation failed")
			return
		}

		a.logger.Info("api key created", zap.Strings("groups", req.Groups))
		writeJSON(w, http.StatusOK, httpd.CreateKeyResponse{
			APIKey: key,
			Note:   "This key is shown only once. Store it securely.",
		})
	})
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func loggingHandler(logger *zap.Logger, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewV4().String()
		logger.Info("http request log",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("url", r.URL.String()),
			zap.String("remote", r.RemoteAddr))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		logger.Info("http response log",
			zap.String("request_id", requestID),
			zap.Int("code", rec.Code))
		for key, values := range rec.Header() {
			for _, value := range values {
				w.Header().Add(key, value)
			}
		}
		w.WriteHeader(rec.Code)
		rec.Body.WriteTo(w)
	})
}

func serve(ctx context.Context, addr string, mux *http.ServeMux) error {
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, httpd.ErrorResponse{Error: msg})
}
