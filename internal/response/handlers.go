package response

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Built-in action types.
const (
	ActionBlockIP        = "block_ip"
	ActionDisableAccount = "disable_account"
	ActionQuarantineHost = "quarantine_host"
)

// firewallState is the in-process effect table behind BlockIPHandler. In a
// production deployment this would front the host firewall API.
type firewallState struct {
	mu      sync.RWMutex
	blocked map[string]bool
}

// BlockIPHandler blocks and unblocks source addresses.
type BlockIPHandler struct {
	state *firewallState
}

func NewBlockIPHandler() *BlockIPHandler {
	return &BlockIPHandler{state: &firewallState{blocked: make(map[string]bool)}}
}

func (h *BlockIPHandler) ActionType() string { return ActionBlockIP }

func (h *BlockIPHandler) Validate(data map[string]interface{}) error {
	_, err := stringField(data, "ip")
	return err
}

func (h *BlockIPHandler) CaptureBeforeState(_ context.Context, data map[string]interface{}) (string, error) {
	ip, err := stringField(data, "ip")
	if err != nil {
		return "", err
	}
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	return encodeState(map[string]interface{}{"ip": ip, "blocked": h.state.blocked[ip]})
}

func (h *BlockIPHandler) Execute(_ context.Context, data map[string]interface{}) (string, error) {
	ip, err := stringField(data, "ip")
	if err != nil {
		return "", err
	}
	h.state.mu.Lock()
	h.state.blocked[ip] = true
	h.state.mu.Unlock()
	return encodeState(map[string]interface{}{"ip": ip, "blocked": true})
}

func (h *BlockIPHandler) Rollback(_ context.Context, data map[string]interface{}, beforeState string) error {
	ip, err := stringField(data, "ip")
	if err != nil {
		return err
	}
	before, err := decodeState(beforeState)
	if err != nil {
		return err
	}
	wasBlocked, _ := before["blocked"].(bool)

	h.state.mu.Lock()
	h.state.blocked[ip] = wasBlocked
	h.state.mu.Unlock()
	return nil
}

// Blocked reports whether the address is currently blocked.
func (h *BlockIPHandler) Blocked(ip string) bool {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	return h.state.blocked[ip]
}

// directoryState backs DisableAccountHandler.
type directoryState struct {
	mu       sync.RWMutex
	disabled map[string]bool
}

// DisableAccountHandler disables and re-enables accounts.
type DisableAccountHandler struct {
	state *directoryState
}

func NewDisableAccountHandler() *DisableAccountHandler {
	return &DisableAccountHandler{state: &directoryState{disabled: make(map[string]bool)}}
}

func (h *DisableAccountHandler) ActionType() string { return ActionDisableAccount }

func (h *DisableAccountHandler) Validate(data map[string]interface{}) error {
	_, err := stringField(data, "account")
	return err
}

func (h *DisableAccountHandler) CaptureBeforeState(_ context.Context, data map[string]interface{}) (string, error) {
	account, err := stringField(data, "account")
	if err != nil {
		return "", err
	}
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	return encodeState(map[string]interface{}{"account": account, "disabled": h.state.disabled[account]})
}

func (h *DisableAccountHandler) Execute(_ context.Context, data map[string]interface{}) (string, error) {
	account, err := stringField(data, "account")
	if err != nil {
		return "", err
	}
	h.state.mu.Lock()
	h.state.disabled[account] = true
	h.state.mu.Unlock()
	return encodeState(map[string]interface{}{"account": account, "disabled": true})
}

func (h *DisableAccountHandler) Rollback(_ context.Context, data map[string]interface{}, beforeState string) error {
	account, err := stringField(data, "account")
	if err != nil {
		return err
	}
	before, err := decodeState(beforeState)
	if err != nil {
		return err
	}
	wasDisabled, _ := before["disabled"].(bool)

	h.state.mu.Lock()
	h.state.disabled[account] = wasDisabled
	h.state.mu.Unlock()
	return nil
}

// Disabled reports whether the account is currently disabled.
func (h *DisableAccountHandler) Disabled(account string) bool {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	return h.state.disabled[account]
}

// quarantineState backs QuarantineHostHandler.
type quarantineState struct {
	mu          sync.RWMutex
	quarantined map[string]bool
}

// QuarantineHostHandler isolates a host from the network and releases it
// on rollback.
type QuarantineHostHandler struct {
	state *quarantineState
}

func NewQuarantineHostHandler() *QuarantineHostHandler {
	return &QuarantineHostHandler{state: &quarantineState{quarantined: make(map[string]bool)}}
}

func (h *QuarantineHostHandler) ActionType() string { return ActionQuarantineHost }

func (h *QuarantineHostHandler) Validate(data map[string]interface{}) error {
	_, err := stringField(data, "host")
	return err
}

func (h *QuarantineHostHandler) CaptureBeforeState(_ context.Context, data map[string]interface{}) (string, error) {
	host, err := stringField(data, "host")
	if err != nil {
		return "", err
	}
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	return encodeState(map[string]interface{}{"host": host, "quarantined": h.state.quarantined[host]})
}

func (h *QuarantineHostHandler) Execute(_ context.Context, data map[string]interface{}) (string, error) {
	host, err := stringField(data, "host")
	if err != nil {
		return "", err
	}
	h.state.mu.Lock()
	h.state.quarantined[host] = true
	h.state.mu.Unlock()
	return encodeState(map[string]interface{}{"host": host, "quarantined": true})
}

func (h *QuarantineHostHandler) Rollback(_ context.Context, data map[string]interface{}, beforeState string) error {
	host, err := stringField(data, "host")
	if err != nil {
		return err
	}
	before, err := decodeState(beforeState)
	if err != nil {
		return err
	}
	was, _ := before["quarantined"].(bool)

	h.state.mu.Lock()
	h.state.quarantined[host] = was
	h.state.mu.Unlock()
	return nil
}

// Quarantined reports whether the host is currently isolated.
func (h *QuarantineHostHandler) Quarantined(host string) bool {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	return h.state.quarantined[host]
}

// DefaultRegistry returns a registry with the built-in handlers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewBlockIPHandler())
	r.Register(NewDisableAccountHandler())
	r.Register(NewQuarantineHostHandler())
	return r
}

func encodeState(state map[string]interface{}) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	return string(raw), nil
}

func decodeState(raw string) (map[string]interface{}, error) {
	state := make(map[string]interface{})
	if raw == "" {
		return state, nil
	}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}
