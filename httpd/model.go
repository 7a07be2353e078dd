package httpd

// AddRequest is the public onboarding request body.
type AddRequest struct {
	APIKey         string   `json:"api_key"`
	HostnamePrefix string   `json:"hostname_prefix,omitempty"`
	PublicKey      string   `json:"public_key,omitempty"`
	SuggestedIP    string   `json:"suggested_ip,omitempty"`
	Groups         []string `json:"groups,omitempty"`
}

// CertBundle is the public onboarding response body. HostKey is present
// only when the server generated the keypair (legacy path).
type CertBundle struct {
	CACert   string `json:"ca_cert"`
	HostCert string `json:"host_cert"`
	HostKey  string `json:"host_key,omitempty"`
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	Expiry   int64  `json:"expiry"`
}

// CreateKeyRequest is the admin request body for minting an API key.
type CreateKeyRequest struct {
	Groups        []string `json:"groups"`
	ExpiryUnix    *int64   `json:"expiry_unix,omitempty"`
	UsesRemaining *int64   `json:"uses_remaining,omitempty"`
}

// CreateKeyResponse carries the plaintext key, shown exactly once.
type CreateKeyResponse struct {
	APIKey string `json:"api_key"`
	Note   string `json:"note"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
