package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"confidentialscore/internal/clock"
	"confidentialscore/internal/errs"
	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
	"confidentialscore/internal/ledger"
)

// Client talks to a Server. It satisfies workflow.LedgerClient and workflow.Decrypter.
type Client struct {
	base  string
	http  *http.Client
	clock clock.Clock
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption { return func(cl *Client) { cl.http = c } }

func WithClientClock(c clock.Clock) ClientOption { return func(cl *Client) { cl.clock = c } }

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base:  strings.TrimRight(baseURL, "/"),
		http:  &http.Client{Timeout: 30 * time.Second},
		clock: clock.Real,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %v: %w", method, path, err, errs.ErrBackendUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		msg := resp.Status
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			msg = e.Error
		}
		return fmt.Errorf("%s %s: %s: %w", method, path, msg, errs.FromStatus(resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %v: %w", path, err, errs.ErrBackendUnavailable)
	}
	return nil
}

func ledgerPath(addr identity.Address, rest string) string {
	return "/v1/ledgers/" + addr.Hex() + rest
}

// Submit signs in as signer and posts it to the ledger.
func (c *Client) Submit(ctx context.Context, ledgerAddr identity.Address, signer identity.Signer, in fhe.Input) (ledger.ScoreRecord, error) {
	tx, err := SignSubmit(ctx, signer, ledgerAddr, in, c.clock.Now())
	if err != nil {
		return ledger.ScoreRecord{}, err
	}
	var rec ledger.ScoreRecord
	err = c.do(ctx, http.MethodPost, ledgerPath(ledgerAddr, "/submit"), tx, &rec)
	return rec, err
}

// Record returns the participant's record, errs.ErrNotFound if absent.
func (c *Client) Record(ctx context.Context, ledgerAddr, participant identity.Address) (ledger.ScoreRecord, error) {
	var rec ledger.ScoreRecord
	err := c.do(ctx, http.MethodGet, ledgerPath(ledgerAddr, "/scores/"+participant.Hex()), nil, &rec)
	return rec, err
}

func (c *Client) Get(ctx context.Context, ledgerAddr, participant identity.Address) (fhe.Handle, error) {
	rec, err := c.Record(ctx, ledgerAddr, participant)
	return rec.Handle, err
}

func (c *Client) Count(ctx context.Context, ledgerAddr identity.Address) (int, error) {
	var r countResponse
	err := c.do(ctx, http.MethodGet, ledgerPath(ledgerAddr, "/count"), nil, &r)
	return r.Count, err
}

func (c *Client) ByIndex(ctx context.Context, ledgerAddr identity.Address, i int) (identity.Address, error) {
	var r indexResponse
	err := c.do(ctx, http.MethodGet, ledgerPath(ledgerAddr, "/index/"+strconv.Itoa(i)), nil, &r)
	return r.Participant, err
}

func (c *Client) Exists(ctx context.Context, ledgerAddr, participant identity.Address) (bool, error) {
	var r existsResponse
	err := c.do(ctx, http.MethodGet, ledgerPath(ledgerAddr, "/exists/"+participant.Hex()), nil, &r)
	return r.Exists, err
}

// GetAll returns parallel participant and handle slices in submission order.
func (c *Client) GetAll(ctx context.Context, ledgerAddr identity.Address) ([]identity.Address, []fhe.Handle, error) {
	var r allResponse
	if err := c.do(ctx, http.MethodGet, ledgerPath(ledgerAddr, "/all"), nil, &r); err != nil {
		return nil, nil, err
	}
	if len(r.Participants) != len(r.Handles) {
		return nil, nil, fmt.Errorf("getAll returned %d participants and %d handles: %w",
			len(r.Participants), len(r.Handles), errs.ErrBackendUnavailable)
	}
	return r.Participants, r.Handles, nil
}

// Events returns change notifications with Seq greater than after.
func (c *Client) Events(ctx context.Context, ledgerAddr identity.Address, after uint64) ([]ledger.Event, error) {
	var r eventsResponse
	err := c.do(ctx, http.MethodGet, ledgerPath(ledgerAddr, "/events?after="+strconv.FormatUint(after, 10)), nil, &r)
	return r.Events, err
}

func (c *Client) Network(ctx context.Context) (NetworkInfo, error) {
	var n NetworkInfo
	err := c.do(ctx, http.MethodGet, "/v1/network", nil, &n)
	return n, err
}

func (c *Client) UserDecrypt(ctx context.Context, req fhe.DecryptRequest) (map[fhe.Handle]fhe.Reencrypted, error) {
	var r decryptResponse
	if err := c.do(ctx, http.MethodPost, "/v1/decrypt", req, &r); err != nil {
		return nil, err
	}
	out := make(map[fhe.Handle]fhe.Reencrypted, len(r.Values))
	for _, v := range r.Values {
		out[v.Handle] = v.Value
	}
	return out, nil
}
