package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/voicecore/orchestrator/pkg/models"
)

// wireRequest is the JSON payload shape the HTTP transport sends. The
// MQTT transport sends nothing (see unconfiguredMQTTTransport).
type wireRequest struct {
	Intent     string         `json:"intent"`
	Parameters map[string]any `json:"parameters"`
}

type wireResponse struct {
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// httpTransport calls a service over HTTP/1.1 or HTTP/2.
type httpTransport struct {
	client *http.Client
}

func (t *httpTransport) Call(ctx context.Context, d models.ServiceDescriptor, intentName models.IntentName, params map[string]any) (Response, error) {
	body, err := json.Marshal(wireRequest{Intent: string(intentName), Parameters: params})
	if err != nil {
		return Response{}, err
	}
	url := "http://" + d.Host + ":" + strconv.Itoa(d.Port) + "/invoke"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return Response{}, err
	}
	return Response{Success: wr.Success, Payload: wr.Response, Error: wr.Error}, nil
}

// inprocTransport calls a locally registered handler using the same
// payload schema as a remote call.
type inprocTransport struct {
	handler InprocHandler
}

func (t inprocTransport) Call(ctx context.Context, d models.ServiceDescriptor, intentName models.IntentName, params map[string]any) (Response, error) {
	return t.handler(ctx, intentName, params)
}

// unconfiguredMQTTTransport reports that MQTT is not wired: no broker
// client is configured, so services tagged mqtt fail with a clear
// transport-error instead of silently behaving like HTTP.
type unconfiguredMQTTTransport struct{}

func (unconfiguredMQTTTransport) Call(ctx context.Context, d models.ServiceDescriptor, intentName models.IntentName, params map[string]any) (Response, error) {
	return Response{}, models.NewError(models.ErrTransportError, "mqtt transport not configured for service: "+d.Name)
}
