package integrity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Signature algorithms the delegated backend supports. The backend may
// substitute an algorithm (for example when a key only supports one variant);
// the algorithm it reports back is what gets stored on the event.
const (
	AlgorithmRSASSAPSSSHA256    = "RSASSA_PSS_SHA_256"
	AlgorithmRSASSAPSSSHA384    = "RSASSA_PSS_SHA_384"
	AlgorithmRSASSAPSSSHA512    = "RSASSA_PSS_SHA_512"
	AlgorithmRSASSAPKCS1SHA256  = "RSASSA_PKCS1_V1_5_SHA_256"
	AlgorithmRSASSAPKCS1SHA384  = "RSASSA_PKCS1_V1_5_SHA_384"
	AlgorithmRSASSAPKCS1SHA512  = "RSASSA_PKCS1_V1_5_SHA_512"
)

// KMSClient is an HTTP client for the delegated signing backend. It
// implements SigningBackend.
type KMSClient struct {
	baseURL    string
	keyID      string
	apiToken   string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// KMSOption configures the KMS client.
type KMSOption func(*KMSClient)

// WithKMSTimeout sets the per-call timeout. A timed-out call is a retryable
// failure.
func WithKMSTimeout(timeout time.Duration) KMSOption {
	return func(c *KMSClient) {
		c.timeout = timeout
	}
}

// WithKMSHTTPClient sets the underlying HTTP client.
func WithKMSHTTPClient(client *http.Client) KMSOption {
	return func(c *KMSClient) {
		c.httpClient = client
	}
}

// WithKMSLogger sets the logger.
func WithKMSLogger(logger *slog.Logger) KMSOption {
	return func(c *KMSClient) {
		c.logger = logger
	}
}

// NewKMSClient creates a client for the signing backend at baseURL using the
// given signing key and API token.
func NewKMSClient(baseURL, keyID, apiToken string, options ...KMSOption) (*KMSClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrInvalidKMSConfig)
	}
	if keyID == "" {
		return nil, fmt.Errorf("%w: signing key ID is required", ErrInvalidKMSConfig)
	}

	c := &KMSClient{
		baseURL:  baseURL,
		keyID:    keyID,
		apiToken: apiToken,
		timeout:  10 * time.Second,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}

	return c, nil
}

type kmsSignRequest struct {
	KeyID            string `json:"keyId"`
	Data             string `json:"data"`
	SigningAlgorithm string `json:"signingAlgorithm"`
}

type kmsSignResponse struct {
	Signature        string `json:"signature"`
	SigningAlgorithm string `json:"signingAlgorithm"`
}

type kmsVerifyRequest struct {
	KeyID            string `json:"keyId"`
	Data             string `json:"data"`
	Signature        string `json:"signature"`
	SigningAlgorithm string `json:"signingAlgorithm"`
}

type kmsVerifyResponse struct {
	Valid bool `json:"signatureValid"`
}

// Sign forwards the digest to the backend and returns its signature together
// with the algorithm it actually used.
func (c *KMSClient) Sign(ctx context.Context, digest string, algorithm string) (string, string, error) {
	if algorithm == "" {
		algorithm = AlgorithmRSASSAPSSSHA256
	}

	var resp kmsSignResponse
	if err := c.post(ctx, "/api/v1/keys/sign", kmsSignRequest{
		KeyID:            c.keyID,
		Data:             digest,
		SigningAlgorithm: algorithm,
	}, &resp); err != nil {
		return "", "", err
	}

	used := resp.SigningAlgorithm
	if used == "" {
		used = algorithm
	}
	return resp.Signature, used, nil
}

// Verify asks the backend to check the signature over the digest.
func (c *KMSClient) Verify(ctx context.Context, digest string, signature string, algorithm string) (bool, error) {
	var resp kmsVerifyResponse
	if err := c.post(ctx, "/api/v1/keys/verify", kmsVerifyRequest{
		KeyID:            c.keyID,
		Data:             digest,
		Signature:        signature,
		SigningAlgorithm: algorithm,
	}, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

func (c *KMSClient) post(ctx context.Context, path string, payload, out interface{}) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &BackendError{
			Op:        path,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &BackendError{
			Op:         path,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", bytes.TrimSpace(data)),
			Timestamp:  time.Now(),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &BackendError{
			Op:        path,
			Err:       fmt.Errorf("failed to decode response: %w", err),
			Timestamp: time.Now(),
		}
	}

	return nil
}
