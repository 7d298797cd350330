package runner

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/trafficbuster/conductor/internal/model"
	"github.com/trafficbuster/conductor/internal/protocol"
)

// Flow is one unit of work: a single visit of one target with the
// proxy and platform picked for it.
type Flow struct {
	JobID    string
	Target   model.Target
	Proxy    *model.Proxy
	Platform *model.Platform
	Settings protocol.JobSettings
}

type Result struct {
	Clicked bool
}

// FlowExecutor performs one flow. Implementations decide what a visit
// means; the loop only cares about success and the click outcome.
type FlowExecutor interface {
	Execute(ctx context.Context, flow Flow) (Result, error)
}

// HTTPExecutor is the built-in executor: a plain GET of the target URL
// wearing the platform's user agent, with an optional click decided by
// the surfing settings. It exists so the agent runs end-to-end without
// a browser attached.
type HTTPExecutor struct {
	timeout time.Duration
}

func NewHTTPExecutor(timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExecutor{timeout: timeout}
}

func (e *HTTPExecutor) Execute(ctx context.Context, flow Flow) (Result, error) {
	client, err := e.client(flow.Proxy)
	if err != nil {
		return Result{}, err
	}

	if err := e.fetch(ctx, client, flow); err != nil {
		return Result{}, err
	}

	surf := flow.Settings.HumanSurfing
	clicked := surf.AutoClick && rand.Float64() < surf.ClickRatio
	if clicked && flow.Target.ClickTarget > 0 {
		// The click is a second fetch of the same target; real click
		// targets come with a browser-backed executor.
		if err := e.fetch(ctx, client, flow); err != nil {
			return Result{}, err
		}
	}
	return Result{Clicked: clicked}, nil
}

func (e *HTTPExecutor) fetch(ctx context.Context, client *http.Client, flow Flow) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, flow.Target.URL, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", flow.Target.URL, err)
	}
	if flow.Platform != nil && flow.Platform.UserAgent != "" {
		req.Header.Set("User-Agent", flow.Platform.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", flow.Target.URL, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("fetching %s: status %d", flow.Target.URL, resp.StatusCode)
	}
	return nil
}

func (e *HTTPExecutor) client(proxy *model.Proxy) (*http.Client, error) {
	// A proxy with Enabled unset counts as enabled.
	if proxy == nil || (proxy.Enabled != nil && !*proxy.Enabled) {
		return &http.Client{Timeout: e.timeout}, nil
	}

	u := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", proxy.Host, proxy.Port),
	}
	if proxy.Username != "" {
		u.User = url.UserPassword(proxy.Username, proxy.Password)
	}
	return &http.Client{
		Timeout:   e.timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(u)},
	}, nil
}
