package grill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// SysInfo is the unauthenticated device identity returned by Sys.GetInfo.
// Discovery uses it to recognise Pit Boss devices on the subnet.
type SysInfo struct {
	ID  string `json:"id"`
	App string `json:"app"`
	FW  string `json:"fw,omitempty"`
	HW  string `json:"hw,omitempty"`
}

// IsPitBoss reports whether the responding device identifies as a Pit
// Boss control board.
func (s *SysInfo) IsPitBoss() bool { return s.App == "PitBoss" }

// API is the typed RPC surface of one or more grills, addressed by IP.
// Auth state is cached per IP and shared across callers.
type API struct {
	client *Client
	auth   *AuthCache
}

// NewAPI builds the RPC layer. now is injectable for tests; nil selects
// the wall clock.
func NewAPI(now func() time.Time) *API {
	client := NewClient()
	return &API{
		client: client,
		auth:   NewAuthCache(client, now),
	}
}

// InvalidateAuth drops cached credentials for ip.
func (a *API) InvalidateAuth(ip string) { a.auth.Invalidate(ip) }

// GetState fetches and returns the raw sc_11/sc_12 status blobs.
func (a *API) GetState(ctx context.Context, ip string) (sc11, sc12 string, err error) {
	body, err := a.authedCall(ctx, ip, "PB.GetState", nil)
	if err != nil {
		return "", "", err
	}
	var out struct {
		SC11 *string `json:"sc_11"`
		SC12 *string `json:"sc_12"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", "", &ProtocolError{Endpoint: "PB.GetState", Err: err}
	}
	if out.SC11 == nil || out.SC12 == nil {
		return "", "", &ProtocolError{Endpoint: "PB.GetState", Err: fmt.Errorf("missing sc_11/sc_12")}
	}
	return *out.SC11, *out.SC12, nil
}

// SendCommand delivers a raw hex MCU command. The response body is
// ignored on success.
func (a *API) SendCommand(ctx context.Context, ip, commandHex string) error {
	_, err := a.authedCall(ctx, ip, "PB.SendMCUCommand", map[string]any{"command": commandHex})
	return err
}

// GetFirmwareVersion returns the grill's firmware version string.
func (a *API) GetFirmwareVersion(ctx context.Context, ip string) (string, error) {
	resp, err := a.client.Post(ctx, ip, "/rpc/PB.GetFirmwareVersion", []byte("{}"))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &ProtocolError{Endpoint: "PB.GetFirmwareVersion", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	var out struct {
		FirmwareVersion *string `json:"firmwareVersion"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", &ProtocolError{Endpoint: "PB.GetFirmwareVersion", Err: err}
	}
	if out.FirmwareVersion == nil {
		return "", &ProtocolError{Endpoint: "PB.GetFirmwareVersion", Err: fmt.Errorf("missing firmwareVersion")}
	}
	return *out.FirmwareVersion, nil
}

// GetSysInfo returns the device identity. Unauthenticated; safe to use
// as a discovery probe.
func (a *API) GetSysInfo(ctx context.Context, ip string) (*SysInfo, error) {
	return GetSysInfo(ctx, a.client, ip)
}

// GetSysInfo probes ip with the given client. Discovery calls this with a
// short-timeout client rather than the polling one.
func GetSysInfo(ctx context.Context, client *Client, ip string) (*SysInfo, error) {
	resp, err := client.Post(ctx, ip, "/rpc/Sys.GetInfo", []byte("{}"))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProtocolError{Endpoint: "Sys.GetInfo", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	var info SysInfo
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return nil, &ProtocolError{Endpoint: "Sys.GetInfo", Err: err}
	}
	if info.ID == "" {
		return nil, &ProtocolError{Endpoint: "Sys.GetInfo", Err: fmt.Errorf("missing id")}
	}
	return &info, nil
}

// authedCall POSTs an authenticated endpoint, retrying once with the
// alternate time-bucket token on any non-200 response.
func (a *API) authedCall(ctx context.Context, ip, endpoint string, extra map[string]any) ([]byte, error) {
	timeInt, psw, pswPlus1, err := a.auth.Tokens(ctx, ip)
	if err != nil {
		return nil, err
	}

	body, err := a.postAuthed(ctx, ip, endpoint, timeInt, psw, extra)
	if err == nil {
		return body, nil
	}
	if IsTransportError(err) {
		return nil, err
	}

	// The grill rejected the primary token; its clock may already be in
	// the next bucket. Retry with the +1 token before declaring failure.
	log.Debugf("[%s] %s rejected primary token, retrying with alternate", ip, endpoint)
	body, err2 := a.postAuthed(ctx, ip, endpoint, timeInt+1, pswPlus1, extra)
	if err2 == nil {
		return body, nil
	}
	if IsTransportError(err2) {
		return nil, err2
	}
	a.auth.Invalidate(ip)
	return nil, fmt.Errorf("%w: %s", ErrAuthenticationFailed, endpoint)
}

func (a *API) postAuthed(ctx context.Context, ip, endpoint string, timeInt int64, psw string, extra map[string]any) ([]byte, error) {
	payload := map[string]any{
		"time": timeInt,
		"psw":  psw,
	}
	for k, v := range extra {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Post(ctx, ip, "/rpc/"+endpoint, data)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", endpoint, resp.StatusCode)
	}
	return resp.Body, nil
}
