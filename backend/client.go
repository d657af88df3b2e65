// Package backend is the client of the medical-records backend: it fetches the
// request log, asks for attestation hashes and confirms anchored decisions.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medisafe/accessgrant/identity"
	"github.com/medisafe/accessgrant/requestlog"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// DefaultTimeout bounds every backend call when the caller gives no timeout.
const DefaultTimeout = 30 * time.Second

// Client talks to the backend on behalf of the session's principal.
type Client struct {
	baseURL string
	session identity.Session
	timeout time.Duration
}

// NewClient returns a client for the backend at baseURL.
func NewClient(baseURL string, session identity.Session, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: session,
		timeout: timeout,
	}
}

// GetRequestLog fetches the patient's request log in backend order.
func (c *Client) GetRequestLog(ctx context.Context) ([]requestlog.AccessRequest, error) {
	rep, err := c.do(ctx, http.MethodGet, "/get_request_log", nil)
	if err != nil {
		return nil, err
	}
	var rows []logRow
	if len(rep.Data) > 0 && string(rep.Data) != "null" {
		if err := json.Unmarshal(rep.Data, &rows); err != nil {
			return nil, xerrors.Errorf("decoding the request log: %v: %w", err, ErrMalformedResponse)
		}
	}
	requests := make([]requestlog.AccessRequest, 0, len(rows))
	for _, row := range rows {
		ar, err := row.toAccessRequest()
		if err != nil {
			return nil, xerrors.Errorf("decoding the request log: %w", err)
		}
		requests = append(requests, ar)
	}
	return requests, nil
}

// RequestHash asks the backend to issue a fresh attestation for decision on
// requestID.
func (c *Client) RequestHash(ctx context.Context, requestID string, decision requestlog.Decision) (*Attestation, error) {
	rep, err := c.do(ctx, http.MethodPost, "/generate_access_hash", generateHashRequest{
		AccessStatus: decisionToWire(decision),
		RequestHash:  requestID,
	})
	if err != nil {
		return nil, err
	}
	if len(rep.Obj) == 0 || string(rep.Obj) == "null" {
		return nil, xerrors.Errorf("generate_access_hash returned no obj: %w", ErrMalformedResponse)
	}
	var obj attestationObject
	if err := json.Unmarshal(rep.Obj, &obj); err != nil {
		return nil, xerrors.Errorf("decoding obj: %v: %w", err, ErrMalformedResponse)
	}
	if obj.CurrentHash == "" {
		return nil, xerrors.Errorf("obj has no current_hash: %w", ErrMalformedResponse)
	}
	return &Attestation{
		RequestID: requestID,
		Decision:  decision,
		Hash:      obj.CurrentHash,
		Object:    rep.Obj,
	}, nil
}

// ConfirmHash tells the backend the attestation is anchored on the ledger.
// It must only be called after the ledger confirmed the transaction.
func (c *Client) ConfirmHash(ctx context.Context, att *Attestation) (*Confirmation, error) {
	if att == nil || len(att.Object) == 0 {
		return nil, xerrors.New("an attestation is required")
	}
	rep, err := c.do(ctx, http.MethodPost, "/update_access_hash", updateHashRequest{Obj: att.Object})
	if err != nil {
		return nil, err
	}
	return &Confirmation{Notify: rep.Notify}, nil
}

// ResolveAccount classifies the session's principal.
func (c *Client) ResolveAccount(ctx context.Context) (identity.Identity, error) {
	rep, err := c.do(ctx, http.MethodGet, "/is_account_exists", nil)
	if err != nil {
		return identity.Identity{Role: identity.Unknown}, err
	}
	return identity.Identity{
		Principal: rep.Principal,
		Role:      identity.RoleFromAccountMsg(rep.Msg),
	}, nil
}

// do sends one request and returns the decoded envelope when its status is 200.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var buf []byte
	if body != nil {
		var err error
		buf, err = json.Marshal(body)
		if err != nil {
			return nil, xerrors.Errorf("encoding %s request: %w", path, err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, xerrors.Errorf("creating %s request: %w", path, err)
	}
	req = req.WithContext(ctx)
	reqID := uuid.New().String()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if len(buf) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	logger := logrus.WithFields(logrus.Fields{"path": path, "http_request_id": reqID})
	logger.Debug("calling backend")

	resp, err := c.session.HTTPClient(ctx).Do(req)
	if err != nil {
		return nil, xerrors.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Errorf("reading %s reply: %w", path, err)
	}

	rep := &reply{}
	decodeErr := json.Unmarshal(raw, rep)
	code := resp.StatusCode
	if decodeErr == nil && rep.StatusCode != nil && resp.StatusCode == http.StatusOK {
		code = *rep.StatusCode
	}
	if code != http.StatusOK {
		logger.WithField("status", code).Warn("backend refused the call")
		return nil, &StatusError{Op: strings.TrimPrefix(path, "/"), Code: code, Notify: rep.Notify}
	}
	if decodeErr != nil {
		return nil, xerrors.Errorf("decoding %s reply: %v: %w", path, decodeErr, ErrMalformedResponse)
	}
	return rep, nil
}
