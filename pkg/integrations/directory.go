package integrations

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"remedy/pkg/utils"

	"github.com/sirupsen/logrus"
)

const (
	ActionResetPassword = "reset_password"
	ActionUnlockAccount = "unlock_account"
	ActionGrantAccess   = "grant_access"

	temporaryPasswordLength = 12
)

// DirectorySpecs declares the identity-directory actions.
// grant_access is not idempotent; the directory drops duplicate Idempotency-Key requests.
var DirectorySpecs = []ActionSpec{
	{Type: ActionResetPassword, Idempotent: true},
	{Type: ActionUnlockAccount, Idempotent: true, Reversible: true},
	{Type: ActionGrantAccess, Deduplicates: true, Reversible: true},
}

// DirectoryUser 目录用户状态
type DirectoryUser struct {
	UserPrincipalName string `json:"user_principal_name"`
	AccountEnabled    bool   `json:"account_enabled"`
	Locked            bool   `json:"locked"`
}

type groupMember struct {
	User string `json:"user"`
}

// DirectoryClient 身份目录（Graph 风格 REST）适配器
type DirectoryClient struct {
	client *jsonClient
	logger *logrus.Logger
}

func NewDirectoryClient(cfg HTTPConfig, logger *logrus.Logger) *DirectoryClient {
	if logger == nil {
		logger = logrus.New()
	}
	return &DirectoryClient{
		client: newJSONClient(cfg, "Remedy-Directory-Client/1.0", logger),
		logger: logger,
	}
}

func (d *DirectoryClient) Name() string { return "directory" }

func (d *DirectoryClient) Spec(action string) (ActionSpec, bool) {
	return specFor(DirectorySpecs, action)
}

func (d *DirectoryClient) CaptureState(ctx context.Context, req Request) (State, error) {
	user := req.Params["user"]
	switch req.Action {
	case ActionUnlockAccount:
		u, err := d.getUser(ctx, user)
		if err != nil {
			return nil, err
		}
		return State{"account_enabled": u.AccountEnabled, "locked": u.Locked}, nil
	case ActionGrantAccess:
		member, err := d.isMember(ctx, req.Params["resource"], user)
		if err != nil {
			return nil, err
		}
		return State{"member": member}, nil
	case ActionResetPassword:
		return nil, ErrUnsupported
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAction, req.Action)
}

func (d *DirectoryClient) Apply(ctx context.Context, req Request) (*Result, error) {
	user := req.Params["user"]
	if user == "" {
		return nil, errors.New("directory: user parameter required")
	}
	switch req.Action {
	case ActionResetPassword:
		password, err := utils.GenerateTemporaryPassword(temporaryPasswordLength)
		if err != nil {
			return nil, err
		}
		body := map[string]interface{}{"password": password, "force_change_next_sign_in": true}
		if err := d.client.do(ctx, http.MethodPost, userPath(user)+"/password-reset", body, req.IdempotencyKey, nil); err != nil {
			return nil, fmt.Errorf("reset password: %w", err)
		}
		return &Result{
			Message:   fmt.Sprintf("Password reset for %s; change required at next sign-in", user),
			After:     State{"force_change_next_sign_in": true},
			Sensitive: map[string]string{"temporary_password": password},
		}, nil

	case ActionUnlockAccount:
		body := map[string]interface{}{"account_enabled": true, "locked": false}
		var u DirectoryUser
		if err := d.client.do(ctx, http.MethodPatch, userPath(user), body, req.IdempotencyKey, &u); err != nil {
			return nil, fmt.Errorf("unlock account: %w", err)
		}
		return &Result{
			Message: fmt.Sprintf("Account %s unlocked", user),
			After:   State{"account_enabled": u.AccountEnabled, "locked": u.Locked},
		}, nil

	case ActionGrantAccess:
		group := req.Params["resource"]
		if group == "" {
			return nil, errors.New("directory: resource parameter required")
		}
		if err := d.client.do(ctx, http.MethodPost, groupPath(group)+"/members", groupMember{User: user}, req.IdempotencyKey, nil); err != nil {
			return nil, fmt.Errorf("grant access: %w", err)
		}
		return &Result{
			Message: fmt.Sprintf("Granted %s access to %s", user, group),
			After:   State{"member": true},
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAction, req.Action)
}

func (d *DirectoryClient) Reverse(ctx context.Context, req Request, before State) error {
	user := req.Params["user"]
	switch req.Action {
	case ActionUnlockAccount:
		body := map[string]interface{}{
			"account_enabled": boolState(before, "account_enabled"),
			"locked":          boolState(before, "locked"),
		}
		if err := d.client.do(ctx, http.MethodPatch, userPath(user), body, "", nil); err != nil {
			return fmt.Errorf("restore account state: %w", err)
		}
		return nil
	case ActionGrantAccess:
		if boolState(before, "member") {
			return nil
		}
		endpoint := groupPath(req.Params["resource"]) + "/members/" + url.PathEscape(user)
		err := d.client.do(ctx, http.MethodDelete, endpoint, nil, "", nil)
		var se *StatusError
		if errors.As(err, &se) && se.NotFound() {
			return nil
		}
		if err != nil {
			return fmt.Errorf("revoke access: %w", err)
		}
		return nil
	}
	return ErrUnsupported
}

func (d *DirectoryClient) getUser(ctx context.Context, user string) (*DirectoryUser, error) {
	var u DirectoryUser
	if err := d.client.do(ctx, http.MethodGet, userPath(user), nil, "", &u); err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (d *DirectoryClient) isMember(ctx context.Context, group, user string) (bool, error) {
	err := d.client.do(ctx, http.MethodGet, groupPath(group)+"/members/"+url.PathEscape(user), nil, "", nil)
	if err == nil {
		return true, nil
	}
	var se *StatusError
	if errors.As(err, &se) && se.NotFound() {
		return false, nil
	}
	return false, fmt.Errorf("check membership: %w", err)
}

func userPath(user string) string   { return "/users/" + url.PathEscape(user) }
func groupPath(group string) string { return "/groups/" + url.PathEscape(group) }

func boolState(s State, key string) bool {
	v, _ := s[key].(bool)
	return v
}
