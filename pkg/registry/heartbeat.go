package registry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/voicecore/orchestrator/pkg/models"
)

// Prober probes a single service's health endpoint. HTTP
// is the only transport implemented directly; MQTT/inproc services need
// a caller-supplied Prober (e.g. a ProberFunc) that handles them, since
// RunHeartbeatLoop applies one Prober to every registered service.
type Prober interface {
	Probe(ctx context.Context, d models.ServiceDescriptor) (models.HealthStatus, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, d models.ServiceDescriptor) (models.HealthStatus, error)

func (f ProberFunc) Probe(ctx context.Context, d models.ServiceDescriptor) (models.HealthStatus, error) {
	return f(ctx, d)
}

// HTTPProber issues GET /health against the descriptor's host:port:
// 200 -> healthy, 503 -> degraded, anything
// else -> an error (heartbeat loop treats it as a missed probe).
type HTTPProber struct {
	Client       *http.Client
	ProbeTimeout time.Duration
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPProber{Client: &http.Client{Timeout: timeout}, ProbeTimeout: timeout}
}

func (p *HTTPProber) Probe(ctx context.Context, d models.ServiceDescriptor) (models.HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, p.ProbeTimeout)
	defer cancel()

	url := "http://" + d.Host + ":" + strconv.Itoa(d.Port) + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.HealthUnknown, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return models.HealthUnknown, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return models.HealthHealthy, nil
	case http.StatusServiceUnavailable:
		return models.HealthDegraded, nil
	default:
		return models.HealthUnknown, models.NewError(models.ErrTransportError, "unexpected probe status")
	}
}

// RunHeartbeatLoop probes every known service at interval until ctx is
// cancelled; probes never block command dispatch.
// Each probe is independently cancellable
// via its own timeout budget carried by the Prober.
func (r *Registry) RunHeartbeatLoop(ctx context.Context, prober Prober, interval time.Duration) {
	if interval <= 0 {
		interval = r.heartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAll(ctx, prober)
			r.Sweep()
		}
	}
}

func (r *Registry) probeAll(ctx context.Context, prober Prober) {
	for _, d := range r.ListServices() {
		status, err := prober.Probe(ctx, d)
		if err != nil {
			r.logger.Warn("heartbeat probe failed", map[string]interface{}{"service": d.Name, "error": err.Error()})
			continue
		}
		r.RecordHeartbeat(d.Name, status)
	}
}
