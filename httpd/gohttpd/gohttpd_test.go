package gohttpd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/noblepayne/NACME/allocator"
	"github.com/noblepayne/NACME/datastore"
	"github.com/noblepayne/NACME/datastore/sqlite"
	"github.com/noblepayne/NACME/httpd"
	"github.com/noblepayne/NACME/issuer"
	"github.com/noblepayne/NACME/signer"
	"github.com/noblepayne/NACME/types"
)

type fakeIssuer struct {
	calls  int
	bundle *issuer.CertBundle
	err    error
}

func (f *fakeIssuer) Issue(ctx context.Context, req issuer.AddRequest) (*issuer.CertBundle, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.bundle, nil
}

func newPublicAPI(t *testing.T, iss issuer.Issuer) *PublicAPI {
	t.Helper()
	h, err := NewPublic(iss, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return h.(*PublicAPI)
}

func postJSON(t *testing.T, handler http.Handler, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/add", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAddSuccess(t *testing.T) {
	fake := &fakeIssuer{bundle: &issuer.CertBundle{
		CACert:    []byte("ca"),
		HostCert:  []byte("cert"),
		IP:        types.IP(net.ParseIP("10.100.0.7")),
		PrefixLen: 24,
		Hostname:  "node-abc123",
		Expiry:    time.Unix(1700000000, 0),
	}}
	api := newPublicAPI(t, fake)

	rec := postJSON(t, api.addHandler(), httpd.AddRequest{
		APIKey:    "some-key",
		PublicKey: "-----BEGIN NEBULA X25519 PUBLIC KEY-----\n...\n-----END NEBULA X25519 PUBLIC KEY-----\n",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp httpd.CertBundle
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.IP != "10.100.0.7/24" {
		t.Fatalf("want CIDR-form address, got %q", resp.IP)
	}
	if resp.Hostname != "node-abc123" {
		t.Fatalf("unexpected hostname %q", resp.Hostname)
	}
	if resp.HostKey != "" {
		t.Fatal("host_key must be omitted when the client supplied the key")
	}
	if resp.Expiry != 1700000000 {
		t.Fatalf("unexpected expiry %d", resp.Expiry)
	}
}

func TestAddRejectsNonPost(t *testing.T) {
	api := newPublicAPI(t, &fakeIssuer{})
	req := httptest.NewRequest(http.MethodGet, "/add", nil)
	rec := httptest.NewRecorder()
	api.addHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("want 405, got %d", rec.Code)
	}
}

func TestAddRejectsInvalidJSON(t *testing.T) {
	api := newPublicAPI(t, &fakeIssuer{})
	req := httptest.NewRequest(http.MethodPost, "/add", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	api.addHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rec.Code)
	}
}

func TestAddRejectsUnparseableSuggestedIP(t *testing.T) {
	fake := &fakeIssuer{}
	api := newPublicAPI(t, fake)

	rec := postJSON(t, api.addHandler(), httpd.AddRequest{APIKey: "k", SuggestedIP: "not-an-ip"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("want 422, got %d", rec.Code)
	}
	if fake.calls != 0 {
		t.Fatal("an unparseable address must be rejected before issuance")
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid credential", issuer.ErrInvalidCredential, http.StatusForbidden},
		{"expired credential", issuer.ErrCredentialExpired, http.StatusForbidden},
		{"spent credential", issuer.ErrCredentialSpent, http.StatusForbidden},
		{"group not permitted", issuer.ErrGroupNotPermitted, http.StatusForbidden},
		{"public key required", issuer.ErrPublicKeyRequired, http.StatusUnprocessableEntity},
		{"invalid public key", issuer.ErrInvalidPublicKey, http.StatusUnprocessableEntity},
		{"invalid prefix", allocator.ErrInvalidPrefix, http.StatusUnprocessableEntity},
		{"out of subnet", allocator.ErrOutOfSubnet, http.StatusUnprocessableEntity},
		{"reserved address", allocator.ErrReservedAddress, http.StatusUnprocessableEntity},
		{"exhausted", issuer.ErrExhausted, http.StatusServiceUnavailable},
		{"message-only match is not enough", errors.New(issuer.ErrExhausted.Error()), http.StatusInternalServerError},
		{"signer identity", &signer.Error{Kind: signer.KindInvalidIdentityParameters}, http.StatusUnprocessableEntity},
		{"signer public key", &signer.Error{Kind: signer.KindInvalidPublicKey}, http.StatusUnprocessableEntity},
		{"signer missing", &signer.Error{Kind: signer.KindBinaryNotFound}, http.StatusServiceUnavailable},
		{"signer timeout", &signer.Error{Kind: signer.KindTimeout}, http.StatusGatewayTimeout},
		{"signer unknown", &signer.Error{Kind: signer.KindUnknown}, http.StatusInternalServerError},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusOf(tt.err); got != tt.want {
				t.Fatalf("want %d, got %d", tt.want, got)
			}
		})
	}
}

func TestAddPropagatesIssuerStatus(t *testing.T) {
	fake := &fakeIssuer{err: issuer.ErrExhausted}
	api := newPublicAPI(t, fake)

	rec := postJSON(t, api.addHandler(), httpd.AddRequest{APIKey: "k"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", rec.Code)
	}
	var resp httpd.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == "" {
		t.Fatal("error body must carry a message")
	}
}

func newTestStore(t *testing.T) datastore.Datastore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?cache=shared"
	ds, err := sqlite.New(context.Background(), dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ds.Close() })
	return ds
}

func newAdminAPI(t *testing.T, ds datastore.Datastore, masterKey string) *AdminAPI {
	t.Helper()
	h, err := NewAdmin(ds, masterKey, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return h.(*AdminAPI)
}

func adminRequest(t *testing.T, api *AdminAPI, masterKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/keys", bytes.NewReader(buf))
	req.Header.Set("X-Master-Key", masterKey)
	rec := httptest.NewRecorder()
	api.verifyMasterKey(api.createKeyHandler()).ServeHTTP(rec, req)
	return rec
}

func TestCreateKey(t *testing.T) {
	ds := newTestStore(t)
	api := newAdminAPI(t, ds, "master-secret")

	uses := int64(3)
	rec := adminRequest(t, api, "master-secret", httpd.CreateKeyRequest{
		Groups:        []string{"servers", "dev"},
		UsesRemaining: &uses,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp httpd.CreateKeyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.APIKey == "" {
		t.Fatal("response must carry the plaintext key")
	}

	// Only the hash is persisted.
	cred, err := ds.GetCredential(context.Background(), issuer.HashKey(resp.APIKey))
	if err != nil {
		t.Fatal(err)
	}
	if !cred.Groups.Contains("dev") {
		t.Fatalf("groups did not persist: %v", cred.Groups)
	}
	if cred.UsesRemaining == nil || *cred.UsesRemaining != 3 {
		t.Fatalf("uses_remaining did not persist: %v", cred.UsesRemaining)
	}
}

func TestCreateKeyWrongMasterKey(t *testing.T) {
	ds := newTestStore(t)
	api := newAdminAPI(t, ds, "master-secret")

	rec := adminRequest(t, api, "wrong", httpd.CreateKeyRequest{Groups: []string{"servers"}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("want 403, got %d", rec.Code)
	}
}

func TestCreateKeyRequiresGroups(t *testing.T) {
	ds := newTestStore(t)
	api := newAdminAPI(t, ds, "master-secret")

	rec := adminRequest(t, api, "master-secret", httpd.CreateKeyRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rec.Code)
	}
}

func TestLoggingHandlerPreservesResponse(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	})
	rec := httptest.NewRecorder()
	loggingHandler(zap.NewNop(), inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("want 418, got %d", rec.Code)
	}
	if rec.Header().Get("X-Test") != "yes" {
		t.Fatal("headers must pass through the logging wrapper")
	}
	if rec.Body.String() != "short and stout" {
		t.Fatalf("body was altered: %q", rec.Body.String())
	}
}
