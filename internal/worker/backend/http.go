package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	coord "github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/worker/core"
)

// DefaultEndpoint is used for resource classes without their own endpoint.
const DefaultEndpoint = "default"

const maxResponseBytes = 4 << 20

type inferenceRequest struct {
	JobType  string `json:"job_type"`
	Class    string `json:"resource_class"`
	SrcLang  string `json:"src_lang,omitempty"`
	TgtLang  string `json:"tgt_lang,omitempty"`
	Text     string `json:"text,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
	AudioB64 string `json:"audio_b64,omitempty"`
}

type inferenceResponse struct {
	Transcript   string `json:"transcript"`
	Translation  string `json:"translation"`
	DetectedLang string `json:"detected_lang"`
	Model        string `json:"model"`
	Error        string `json:"error"`
}

// HTTP posts tasks as JSON to a model server, one endpoint per resource
// class. 408, 429 and 5xx responses and network errors are transient; any
// other non-2xx response is permanent.
type HTTP struct {
	endpoints map[string]string
	client    *http.Client
}

var _ core.InferenceBackend = (*HTTP)(nil)

func NewHTTP(endpoints map[string]string, timeout time.Duration) (*HTTP, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("http backend: no endpoints configured")
	}
	return &HTTP{
		endpoints: endpoints,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

func (h *HTTP) Name() string {
	return "http"
}

func (h *HTTP) Execute(ctx context.Context, in *core.Input, class coord.ResourceClass) (*core.Output, error) {
	endpoint, ok := h.endpoints[string(class)]
	if !ok {
		endpoint, ok = h.endpoints[DefaultEndpoint]
	}
	if !ok {
		return nil, coord.Permanent(fmt.Errorf("no endpoint for resource class %s", class))
	}

	body := inferenceRequest{
		JobType:  string(in.JobType),
		Class:    string(class),
		SrcLang:  in.SrcLang,
		TgtLang:  in.TgtLang,
		Text:     in.Text,
		AudioURL: in.AudioURL,
	}
	if len(in.Audio) > 0 {
		body.AudioB64 = base64.StdEncoding.EncodeToString(in.Audio)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, coord.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, coord.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, coord.Transient(err)
	}
	defer resp.Body.Close()

	var out inferenceResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("model server returned %d: %s", resp.StatusCode, out.Error)
		switch {
		case resp.StatusCode == http.StatusRequestTimeout,
			resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode >= 500:
			return nil, coord.Transient(err)
		default:
			return nil, coord.Permanent(err)
		}
	}
	if decodeErr != nil {
		return nil, coord.Transient(fmt.Errorf("decoding model server response: %w", decodeErr))
	}
	return &core.Output{
		Transcript:   out.Transcript,
		Translation:  out.Translation,
		DetectedLang: out.DetectedLang,
		ModelUsed:    out.Model,
	}, nil
}
