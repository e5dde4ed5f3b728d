package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RemoteBroker is an HTTPS client to an external identity service,
// spec §4.C. Date-shift allocation and UID-mapping audit rows stay
// local bookkeeping regardless of backend, so those two methods defer
// to the crosswalk store exactly like LocalBroker does.
type RemoteBroker struct {
	cfg    Config
	store  CrosswalkStore
	client *fasthttp.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewRemoteBroker(cfg Config, store CrosswalkStore) *RemoteBroker {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 50 * time.Minute
	}
	return &RemoteBroker{
		cfg:   cfg,
		store: store,
		client: &fasthttp.Client{
			Name:         "xnat-dicom-router",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

type lookupRow struct {
	IDIn  string `json:"idIn"`
	IDOut string `json:"idOut"`
}

func (b *RemoteBroker) Lookup(idType, idIn string) (string, error) {
	return b.doLookup(fmt.Sprintf("%s/DeIdentification/lookup?idIn=%s&idType=%s", b.cfg.RemoteBaseURL, idIn, idType), idIn)
}

func (b *RemoteBroker) ReverseLookup(idType, idOut string) (string, error) {
	return b.doLookup(fmt.Sprintf("%s/DeIdentification/lookup?idOut=%s&idType=%s", b.cfg.RemoteBaseURL, idOut, idType), idOut)
}

func (b *RemoteBroker) doLookup(url, subject string) (string, error) {
	token, err := b.ensureToken()
	if err != nil {
		return "", err
	}

	status, body, err := b.get(url, token)
	if err == nil && status == fasthttp.StatusUnauthorized {
		b.mu.Lock()
		b.token = ""
		b.mu.Unlock()
		token, err = b.ensureToken()
		if err != nil {
			return "", err
		}
		status, body, err = b.get(url, token)
	}
	if err != nil {
		return "", &core.BrokerUnavailable{Broker: b.cfg.Name, Cause: err}
	}
	if status >= 500 {
		return "", &core.BrokerUnavailable{Broker: b.cfg.Name, Cause: fmt.Errorf("http %d", status)}
	}
	if status != fasthttp.StatusOK {
		return "", &core.BrokerMappingMissing{Broker: b.cfg.Name, IDType: "remote", ID: subject}
	}

	var rows []lookupRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return "", core.Wrap(err, "broker: decode remote lookup response")
	}
	if len(rows) == 0 {
		return "", &core.BrokerMappingMissing{Broker: b.cfg.Name, IDType: "remote", ID: subject}
	}
	return rows[0].IDOut, nil
}

func (b *RemoteBroker) get(url, token string) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Authorization", "Bearer "+token)

	if err := b.client.Do(req, resp); err != nil {
		return 0, nil, err
	}
	body := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), body, nil
}

type tokenResponse struct {
	Token string `json:"token"`
}

// ensureToken returns a cached bearer token, authenticating via POST
// /token when absent or past its decoded (or default) expiry.
func (b *RemoteBroker) ensureToken() (string, error) {
	b.mu.Lock()
	if b.token != "" && time.Now().Before(b.tokenExpiry) {
		tok := b.token
		b.mu.Unlock()
		return tok, nil
	}
	b.mu.Unlock()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	creds, err := json.Marshal(map[string]string{
		"username": b.cfg.RemoteUsername,
		"password": b.cfg.RemotePassword,
	})
	if err != nil {
		return "", err
	}
	req.SetRequestURI(b.cfg.RemoteBaseURL + "/token")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(creds)

	if err := b.client.Do(req, resp); err != nil {
		return "", &core.BrokerUnavailable{Broker: b.cfg.Name, Cause: err}
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", &core.BrokerUnavailable{Broker: b.cfg.Name, Cause: fmt.Errorf("token request: http %d", resp.StatusCode())}
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body(), &tr); err != nil {
		return "", core.Wrap(err, "broker: decode token response")
	}

	expiry := time.Now().Add(b.cfg.TokenTTL)
	if claims, err := decodeExpiry(tr.Token); err == nil && claims.After(time.Now()) {
		expiry = claims
	}

	b.mu.Lock()
	b.token = tr.Token
	b.tokenExpiry = expiry
	b.mu.Unlock()
	return tr.Token, nil
}

// decodeExpiry reads the "exp" claim from a bearer token without
// verifying its signature (the remote identity service, not this
// process, is the token's issuer and authority); returns an error for
// opaque non-JWT tokens, which callers fall back to the default TTL
// for.
func decodeExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(token, claims)
	if err != nil {
		return time.Time{}, err
	}
	expFloat, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, fmt.Errorf("broker: token carries no exp claim")
	}
	return time.Unix(int64(expFloat), 0), nil
}

func (b *RemoteBroker) DateShiftFor(patientID string) (int, error) {
	if !b.cfg.DateShiftEnabled {
		return 0, nil
	}
	days, err := b.store.GetOrAllocateDateShift(b.cfg.Name, patientID, b.cfg.DateShiftMinDays, b.cfg.DateShiftMaxDays)
	if err != nil {
		return 0, core.Wrap(err, "broker: remote date shift")
	}
	return days, nil
}

func (b *RemoteBroker) PutUIDMapping(in, out, uidType string) error {
	return b.store.PutUIDMapping(b.cfg.Name, in, out, uidType)
}
