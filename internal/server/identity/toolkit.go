package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/membersync/internal/server/metrics"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/identitytoolkit/v3"
	"google.golang.org/api/option"
)

// Provider error codes reported in the error message of Identity Toolkit.
var (
	alreadyExistsCodes = []string{"EMAIL_EXISTS", "DUPLICATE_EMAIL"}
	notFoundCodes      = []string{"USER_NOT_FOUND"}
)

// ToolkitProvider implements Provider on the Identity Toolkit v3 relying
// party API, which is what Firebase Authentication exposes for admin use.
type ToolkitProvider struct {
	rp      *identitytoolkit.RelyingpartyService
	metrics *metrics.Metrics
}

// NewToolkitProvider builds the API client. Credentials and endpoint come
// from opts, e.g. option.WithCredentialsFile or option.WithEndpoint.
func NewToolkitProvider(ctx context.Context, m *metrics.Metrics, opts ...option.ClientOption) (*ToolkitProvider, error) {
	svc, err := identitytoolkit.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("identity toolkit client: %w", err)
	}
	return &ToolkitProvider{rp: svc.Relyingparty, metrics: m}, nil
}

func (p *ToolkitProvider) CreateIdentity(ctx context.Context, id Identity) (string, error) {
	defer p.observe("create", time.Now())

	resp, err := p.rp.SignupNewUser(&identitytoolkit.IdentitytoolkitRelyingpartySignupNewUserRequest{
		Email:       id.Email,
		Password:    id.Password,
		DisplayName: id.DisplayName,
		Disabled:    id.Disabled,
	}).Context(ctx).Do()
	if err != nil {
		return "", classify("create", err)
	}
	if resp.LocalId == "" {
		return "", &Error{Op: "create", Kind: KindTransient, Err: errors.New("provider returned no local id")}
	}
	return resp.LocalId, nil
}

func (p *ToolkitProvider) UpdateIdentity(ctx context.Context, externalID string, u Update) error {
	defer p.observe("update", time.Now())

	req := &identitytoolkit.IdentitytoolkitRelyingpartySetAccountInfoRequest{LocalId: externalID}
	if u.Email != nil {
		req.Email = *u.Email
	}
	if u.Password != nil {
		req.Password = *u.Password
	}
	if u.DisplayName != nil {
		req.DisplayName = *u.DisplayName
	}
	if u.Disabled != nil {
		req.DisableUser = *u.Disabled
		// false is the zero value and would otherwise be dropped.
		req.ForceSendFields = append(req.ForceSendFields, "DisableUser")
	}

	if _, err := p.rp.SetAccountInfo(req).Context(ctx).Do(); err != nil {
		return classify("update", err)
	}
	return nil
}

func (p *ToolkitProvider) DeleteIdentity(ctx context.Context, externalID string) error {
	defer p.observe("delete", time.Now())

	_, err := p.rp.DeleteAccount(&identitytoolkit.IdentitytoolkitRelyingpartyDeleteAccountRequest{
		LocalId: externalID,
	}).Context(ctx).Do()
	if err != nil {
		return classify("delete", err)
	}
	return nil
}

func (p *ToolkitProvider) LookupByEmail(ctx context.Context, email string) (string, error) {
	defer p.observe("lookup", time.Now())

	resp, err := p.rp.GetAccountInfo(&identitytoolkit.IdentitytoolkitRelyingpartyGetAccountInfoRequest{
		Email: []string{email},
	}).Context(ctx).Do()
	if err != nil {
		return "", classify("lookup", err)
	}
	for _, u := range resp.Users {
		if u != nil && u.LocalId != "" {
			return u.LocalId, nil
		}
	}
	return "", &Error{Op: "lookup", Kind: KindNotFound, Err: fmt.Errorf("no identity for %s", email)}
}

func (p *ToolkitProvider) observe(op string, start time.Time) {
	p.metrics.ObserveIdP(op, time.Since(start))
}

func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case hasCode(gerr, alreadyExistsCodes):
			return &Error{Op: op, Kind: KindAlreadyExists, Err: err}
		case hasCode(gerr, notFoundCodes), gerr.Code == http.StatusNotFound:
			return &Error{Op: op, Kind: KindNotFound, Err: err}
		}
	}
	return &Error{Op: op, Kind: KindTransient, Err: err}
}

// hasCode matches codes like "EMAIL_EXISTS" or "USER_NOT_FOUND : detail".
func hasCode(gerr *googleapi.Error, codes []string) bool {
	msgs := []string{gerr.Message}
	for _, item := range gerr.Errors {
		msgs = append(msgs, item.Message, item.Reason)
	}
	for _, m := range msgs {
		for _, c := range codes {
			if m == c || strings.HasPrefix(m, c+" ") || strings.HasPrefix(m, c+":") {
				return true
			}
		}
	}
	return false
}
