package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"murmur/log"
)

const (
	remoteTimeout = 60 * time.Second
	pingTimeout   = 5 * time.Second
)

// ErrTimeout marks a request that exceeded the remote timeout.
var ErrTimeout = errors.New("request timed out")

// ConnectionError means the server was unreachable (nothing was received).
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error — is the server running? %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response, body attached for diagnostics.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

// Remote posts WAV buffers to an OpenAI-compatible transcription endpoint.
//
//	POST {base_url}/{endpoint}
//	fields: file=<wav>, model=<name>, response_format=json, optional language
type Remote struct {
	baseURL  string
	endpoint string
	client   *http.Client
}

func NewRemote(baseURL, endpoint string) *Remote {
	return &Remote{
		baseURL:  strings.TrimRight(baseURL, "/"),
		endpoint: strings.TrimLeft(endpoint, "/"),
		client:   &http.Client{Timeout: remoteTimeout},
	}
}

func (r *Remote) Transcribe(ctx context.Context, req Request) (string, error) {
	reqURL := r.baseURL + "/" + r.endpoint

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="recording.wav"`)
	header.Set("Content-Type", "audio/wav")
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(req.WAV); err != nil {
		return "", err
	}

	writer.WriteField("model", req.Model.Name)
	writer.WriteField("response_format", "json")
	if lang := strings.TrimSpace(req.Language); lang != "" && !strings.EqualFold(lang, "auto") {
		writer.WriteField("language", lang)
	}
	writer.Close()

	log.Infof("transcribe POST %s model=%s audio=%d bytes", reqURL, req.Model.Name, len(req.WAV))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &body)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", classifyTransportError(reqURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyTransportError(reqURL, err)
	}

	log.Infof("response status=%d size=%d bytes", resp.StatusCode, len(respBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 500)}
	}

	return extractText(respBody), nil
}

func classifyTransportError(reqURL string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return fmt.Errorf("%w after %s: %s", ErrTimeout, remoteTimeout, reqURL)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, reqURL)
	}
	return &ConnectionError{URL: reqURL, Err: err}
}

// extractText tolerates the response shapes seen across transcription
// servers: a root-level text/transcript/transcription key, a nested
// results.{transcription,text} object, a bare JSON string, or a plain-text
// body. Unrecognized JSON is stringified rather than rejected.
func extractText(body []byte) string {
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return strings.TrimSpace(string(body))
	}

	switch data := parsed.(type) {
	case string:
		return strings.TrimSpace(data)
	case map[string]any:
		for _, key := range []string{"text", "transcript", "transcription"} {
			if v, ok := data[key]; ok {
				return strings.TrimSpace(fmt.Sprint(v))
			}
		}
		if results, ok := data["results"].(map[string]any); ok {
			for _, key := range []string{"transcription", "text"} {
				if v, ok := results[key]; ok {
					return strings.TrimSpace(fmt.Sprint(v))
				}
			}
		}
	}
	log.Warnf("remote: no text field in response, returning raw")
	return strings.TrimSpace(string(body))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Ping checks whether the transcription server is reachable, for the
// settings "Test Connection" affordance. Tries /health, /, /docs in order;
// the first reachable path wins.
func Ping(baseURL string) (bool, string) {
	baseURL = strings.TrimRight(baseURL, "/")
	client := &http.Client{Timeout: pingTimeout}

	for _, path := range []string{"/health", "/", "/docs"} {
		pingURL := baseURL + path
		resp, err := client.Get(pingURL)
		if err != nil {
			var urlErr *url.Error
			if errors.As(err, &urlErr) && urlErr.Timeout() {
				msg := fmt.Sprintf("Timeout after %s  —  %s", pingTimeout, pingURL)
				log.Warnf("ping: %s", msg)
				return false, msg
			}
			log.Warnf("ping: connection refused — %s", pingURL)
			continue
		}
		resp.Body.Close()
		msg := fmt.Sprintf("OK  (%d)  —  %s", resp.StatusCode, pingURL)
		log.Infof("ping: %s", msg)
		return true, msg
	}

	msg := fmt.Sprintf("Connection refused — is the server running?\nTried: %s", baseURL)
	log.Errorf("ping: %s", msg)
	return false, msg
}
