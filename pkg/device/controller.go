// Package device is the execution boundary for appliance state changes. All
// status mutations in the engine flow through the Adapter: it serializes
// operations per appliance, picks the plug or virtual controller per call,
// persists the resulting status, and appends an audit record for every
// attempt.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/shiftwatt/shiftwatt/pkg/common"
	"github.com/shiftwatt/shiftwatt/pkg/log"
	"github.com/shiftwatt/shiftwatt/pkg/types"
)

// Controller executes a single switch or eco-mode command against one
// appliance. Implementations do not persist anything; the Adapter owns
// status updates and auditing.
type Controller interface {
	TurnOn(ctx context.Context, appliance types.Appliance) error
	TurnOff(ctx context.Context, appliance types.Appliance) error
	SetEcoMode(ctx context.Context, appliance types.Appliance, enabled bool) error
}

// Plug drives a network-attached smart plug over its HTTP command channel.
// The plug gateway exposes POST /plugs/{plugID}/command and replies with an
// ack envelope; a transport failure or timeout maps to ErrDeviceUnreachable
// and an explicit NAK maps to ErrDeviceRejected.
type Plug struct {
	client  *http.Client
	baseURL string
}

// NewPlug creates a plug controller against the given gateway base URL.
func NewPlug(baseURL string, timeout time.Duration) *Plug {
	return &Plug{
		client:  common.HTTPClient(timeout),
		baseURL: baseURL,
	}
}

func (p *Plug) TurnOn(ctx context.Context, appliance types.Appliance) error {
	return p.command(ctx, appliance, "set_switch", map[string]any{"on": true})
}

func (p *Plug) TurnOff(ctx context.Context, appliance types.Appliance) error {
	return p.command(ctx, appliance, "set_switch", map[string]any{"on": false})
}

func (p *Plug) SetEcoMode(ctx context.Context, appliance types.Appliance, enabled bool) error {
	return p.command(ctx, appliance, "set_eco_mode", map[string]any{"enabled": enabled})
}

type plugCommand struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

type plugResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (p *Plug) command(ctx context.Context, appliance types.Appliance, command string, params map[string]any) error {
	if appliance.PlugID == "" {
		return fmt.Errorf("%w: appliance %s has no linked plug", types.ErrValidation, appliance.ID)
	}

	u, err := url.JoinPath(p.baseURL, "plugs", appliance.PlugID, "command")
	if err != nil {
		return err
	}
	body, err := json.Marshal(plugCommand{Command: command, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		// timeouts and connection failures both mean we never got an ack
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", types.ErrDeviceUnreachable, appliance.PlugID)
		}
		return fmt.Errorf("%w: %s: %s", types.ErrDeviceUnreachable, appliance.PlugID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: plug %s returned status %d", types.ErrDeviceRejected, appliance.PlugID, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s", types.ErrDeviceUnreachable, appliance.PlugID)
	}
	var pr plugResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		log.Ctx(ctx).Error("failed to decode plug response", "error", err, "body", string(raw))
		return fmt.Errorf("%w: %s", types.ErrDeviceRejected, appliance.PlugID)
	}
	if !pr.Success {
		if pr.Message == "" {
			pr.Message = "unknown error"
		}
		return fmt.Errorf("%w: plug %s: %s", types.ErrDeviceRejected, appliance.PlugID, pr.Message)
	}
	return nil
}

// Virtual is the controller for software-only appliances: there is no remote
// device, so every command succeeds immediately. State is persisted by the
// Adapter exactly as for plugs.
type Virtual struct{}

func NewVirtual() *Virtual {
	return &Virtual{}
}

func (v *Virtual) TurnOn(ctx context.Context, appliance types.Appliance) error {
	return nil
}

func (v *Virtual) TurnOff(ctx context.Context, appliance types.Appliance) error {
	return nil
}

func (v *Virtual) SetEcoMode(ctx context.Context, appliance types.Appliance, enabled bool) error {
	return nil
}
