package integrations

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
)

const (
	ActionResetVPNProfile      = "reset_vpn_profile"
	ActionRenewVPNCertificate  = "renew_vpn_certificate"
	ActionDisconnectVPNSession = "disconnect_vpn_session"
	ActionRunVPNDiagnostics    = "run_vpn_diagnostics"
)

// VPNSpecs VPN 控制器动作：均可重复执行，不支持回滚
var VPNSpecs = []ActionSpec{
	{Type: ActionResetVPNProfile, Idempotent: true},
	{Type: ActionRenewVPNCertificate, Idempotent: true},
	{Type: ActionDisconnectVPNSession, Idempotent: true},
	{Type: ActionRunVPNDiagnostics, Idempotent: true},
}

// VPNStatus VPN 用户状态
type VPNStatus struct {
	Connected         bool   `json:"connected"`
	LastConnection    string `json:"last_connection,omitempty"`
	CertificateExpiry string `json:"certificate_expiry,omitempty"`
}

// VPNDiagnostics 诊断结果
type VPNDiagnostics struct {
	ClientVersion       string   `json:"client_version"`
	ServerReachable     bool     `json:"server_reachable"`
	AuthenticationValid bool     `json:"authentication_valid"`
	CertificateValid    bool     `json:"certificate_valid"`
	NetworkLatencyMs    int      `json:"network_latency_ms"`
	IssuesFound         []string `json:"issues_found"`
}

type vpnActionResponse struct {
	Message string `json:"message"`
	Expiry  string `json:"expiry,omitempty"`
}

// VPNClient VPN 控制器适配器
type VPNClient struct {
	client *jsonClient
	logger *logrus.Logger
}

func NewVPNClient(cfg HTTPConfig, logger *logrus.Logger) *VPNClient {
	if logger == nil {
		logger = logrus.New()
	}
	return &VPNClient{
		client: newJSONClient(cfg, "Remedy-VPN-Client/1.0", logger),
		logger: logger,
	}
}

func (v *VPNClient) Name() string { return "vpn" }

func (v *VPNClient) Spec(action string) (ActionSpec, bool) {
	return specFor(VPNSpecs, action)
}

// CaptureState 记录 VPN 状态，仅用于审计对比
func (v *VPNClient) CaptureState(ctx context.Context, req Request) (State, error) {
	if _, ok := v.Spec(req.Action); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, req.Action)
	}
	st, err := v.status(ctx, req.Params["user"])
	if err != nil {
		return nil, err
	}
	return State{
		"connected":          st.Connected,
		"last_connection":    st.LastConnection,
		"certificate_expiry": st.CertificateExpiry,
	}, nil
}

func (v *VPNClient) Apply(ctx context.Context, req Request) (*Result, error) {
	user := req.Params["user"]
	if user == "" {
		return nil, errors.New("vpn: user parameter required")
	}
	base := "/users/" + url.PathEscape(user)

	switch req.Action {
	case ActionRunVPNDiagnostics:
		var diag VPNDiagnostics
		if err := v.client.do(ctx, http.MethodGet, base+"/diagnostics", nil, "", &diag); err != nil {
			return nil, fmt.Errorf("vpn diagnostics: %w", err)
		}
		after := State{
			"server_reachable":     diag.ServerReachable,
			"authentication_valid": diag.AuthenticationValid,
			"certificate_valid":    diag.CertificateValid,
			"issues_found":         diag.IssuesFound,
		}
		msg := fmt.Sprintf("VPN diagnostics for %s: %d issue(s) found", user, len(diag.IssuesFound))
		return &Result{Message: msg, After: after}, nil

	case ActionResetVPNProfile, ActionRenewVPNCertificate, ActionDisconnectVPNSession:
		endpoint, body := vpnEndpoint(base, req.Action)
		var resp vpnActionResponse
		if err := v.client.do(ctx, http.MethodPost, endpoint, body, req.IdempotencyKey, &resp); err != nil {
			return nil, fmt.Errorf("vpn %s: %w", req.Action, err)
		}
		st, err := v.status(ctx, user)
		if err != nil {
			v.logger.Warnf("vpn: status after %s unavailable: %v", req.Action, err)
			st = &VPNStatus{}
		}
		msg := resp.Message
		if msg == "" {
			msg = fmt.Sprintf("VPN %s completed for %s", req.Action, user)
		}
		return &Result{
			Message: msg,
			After: State{
				"connected":          st.Connected,
				"certificate_expiry": st.CertificateExpiry,
			},
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAction, req.Action)
}

// Reverse VPN 动作无补偿操作
func (v *VPNClient) Reverse(ctx context.Context, req Request, before State) error {
	return ErrUnsupported
}

func (v *VPNClient) status(ctx context.Context, user string) (*VPNStatus, error) {
	var st VPNStatus
	if err := v.client.do(ctx, http.MethodGet, "/users/"+url.PathEscape(user)+"/vpn-status", nil, "", &st); err != nil {
		return nil, fmt.Errorf("vpn status: %w", err)
	}
	return &st, nil
}

func vpnEndpoint(base, action string) (string, map[string]string) {
	switch action {
	case ActionResetVPNProfile:
		return base + "/reset", map[string]string{"action": "reset_profile"}
	case ActionRenewVPNCertificate:
		return base + "/certificate", map[string]string{"action": "renew_certificate"}
	default:
		return base + "/session", map[string]string{"action": "disconnect"}
	}
}
