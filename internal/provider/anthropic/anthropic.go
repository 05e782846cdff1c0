// Package anthropic adapts the primary provider. The client speaks this wire
// format natively, so the request is forwarded as decoded and the reply is
// already canonical; the adapter only validates shape and classifies failures.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/thriftgate/thriftgate/internal/provider"
	"github.com/thriftgate/thriftgate/internal/wire"
)

const apiVersion = "2023-06-01"

type Anthropic struct {
	settings provider.Settings
	client   *http.Client
}

func New(settings provider.Settings) *Anthropic {
	return &Anthropic{
		settings: settings,
		client:   http.DefaultClient,
	}
}

// NewWithClient is used by tests to point the adapter at a stub server.
func NewWithClient(settings provider.Settings, client *http.Client) *Anthropic {
	return &Anthropic{settings: settings, client: client}
}

func (p *Anthropic) Name() string            { return p.settings.Name }
func (p *Anthropic) ModelID() string         { return p.settings.Model }
func (p *Anthropic) SupportsTools() bool     { return p.settings.SupportsTools }
func (p *Anthropic) Timeout() time.Duration  { return p.settings.Timeout }
func (p *Anthropic) CostPerMTokIn() float64  { return p.settings.CostIn }
func (p *Anthropic) CostPerMTokOut() float64 { return p.settings.CostOut }

func (p *Anthropic) Complete(ctx context.Context, req *wire.MessagesRequest) (*wire.MessagesResponse, error) {
	outbound := *req
	if outbound.Model == "" {
		outbound.Model = p.settings.Model
	}
	if outbound.MaxTokens == 0 {
		outbound.MaxTokens = 4096
	}

	body, err := json.Marshal(&outbound)
	if err != nil {
		return nil, provider.Transport(p.Name(), err)
	}

	url := fmt.Sprintf("%s/v1/messages", p.settings.Endpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, provider.Transport(p.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.settings.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.Transport(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.ClassifyHTTPFailure(p.Name(), resp.StatusCode, respBody)
	}

	var out wire.MessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.Malformed(p.Name(), err)
	}
	if len(out.Content) == 0 {
		return nil, provider.Malformed(p.Name(), fmt.Errorf("reply has no content"))
	}

	if out.Usage.InputTokens == 0 && out.Usage.OutputTokens == 0 && p.settings.Estimator != nil {
		est := p.settings.Estimator
		out.Usage = wire.Usage{
			InputTokens:  est.Count(provider.RequestText(req.SystemText(), req.LastUserText())),
			OutputTokens: est.Count(out.OutputText()),
			Estimator:    est.Name(),
		}
	}

	return &out, nil
}
