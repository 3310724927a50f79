// Package transport sends protocol commands to the server over HTTP.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ProtonMail/airsync/connector"
	"github.com/ProtonMail/airsync/internal/utils"
	"github.com/ProtonMail/airsync/version"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

const (
	// Path is the endpoint of the protocol on the server.
	Path = "/Microsoft-Server-ActiveSync"

	contentType = "application/vnd.ms-sync.wbxml"

	defaultDeviceType = "airsync"
)

// Config describes how to reach the server of one account.
type Config struct {
	Host     string
	User     string
	Password string

	DeviceID   string
	DeviceType string

	// Insecure selects plain HTTP; it is only meant for tests.
	Insecure bool

	Client *http.Client
	Info   version.Info
}

// HTTP is a connector.Transport talking to the server over HTTP.
type HTTP struct {
	cfg    Config
	client *http.Client

	hostLock sync.RWMutex
	host     string

	log *logrus.Entry
}

func New(cfg Config) *HTTP {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}

	if cfg.DeviceType == "" {
		cfg.DeviceType = defaultDeviceType
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = utils.NewDeviceID()
	}

	return &HTTP{
		cfg:    cfg,
		client: cfg.Client,
		host:   cfg.Host,
		log:    logrus.WithField("pkg", "transport").WithField("host", cfg.Host),
	}
}

// Host returns the host commands are sent to.
func (t *HTTP) Host() string {
	t.hostLock.RLock()
	defer t.hostLock.RUnlock()

	return t.host
}

// SetHost switches the host of the following commands, after a redirect.
func (t *HTTP) SetHost(host string) {
	t.hostLock.Lock()
	defer t.hostLock.Unlock()

	if t.host != host {
		t.log.WithField("newHost", host).Info("Switching host")
	}

	t.host = host
}

// Send posts the command and returns the decoded response. Non 2xx statuses are not errors.
func (t *HTTP) Send(ctx context.Context, cmd connector.Command) (*connector.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url(cmd.Name), bytes.NewReader(cmd.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	t.setHeaders(req)

	req.Header.Set("Content-Type", contentType)

	if cmd.ProtocolVersion != "" {
		req.Header.Set(connector.HeaderProtocolVersion, cmd.ProtocolVersion)
	}

	if cmd.PolicyKey != "" {
		req.Header.Set(connector.HeaderPolicyKey, cmd.PolicyKey)
	}

	t.log.WithField("cmd", cmd.Name).WithField("size", len(cmd.Body)).Debug("Sending command")

	return t.do(req)
}

// Options queries the protocol versions and commands supported by the server.
func (t *HTTP) Options(ctx context.Context) (*connector.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, t.url(""), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	t.setHeaders(req)

	return t.do(req)
}

func (t *HTTP) url(cmd string) string {
	scheme := "https"
	if t.cfg.Insecure {
		scheme = "http"
	}

	u := url.URL{Scheme: scheme, Host: t.Host(), Path: Path}

	if cmd != "" {
		query := url.Values{}
		query.Set("Cmd", cmd)
		query.Set("User", t.cfg.User)
		query.Set("DeviceId", t.cfg.DeviceID)
		query.Set("DeviceType", t.cfg.DeviceType)

		u.RawQuery = query.Encode()
	}

	return u.String()
}

func (t *HTTP) setHeaders(req *http.Request) {
	req.SetBasicAuth(t.cfg.User, t.cfg.Password)

	req.Header.Set("Accept-Encoding", "gzip")

	if t.cfg.Info.Name != "" {
		req.Header.Set("User-Agent", t.cfg.Info.UserAgent())
	}
}

func (t *HTTP) do(req *http.Request) (*connector.Response, error) {
	res, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}

	defer res.Body.Close()

	body, err := readBody(res)
	if err != nil {
		return nil, err
	}

	res.Header.Del("Content-Encoding")

	return &connector.Response{
		Status: res.StatusCode,
		Header: res.Header,
		Body:   body,
	}, nil
}

// readBody reads the whole response body, decompressing it if needed.
func readBody(res *http.Response) ([]byte, error) {
	var r io.Reader = res.Body

	if strings.EqualFold(res.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(res.Body)
		if err != nil {
			// An empty gzip body is an empty response.
			if errors.Is(err, io.EOF) {
				return nil, nil
			}

			return nil, fmt.Errorf("failed to decompress response: %w", err)
		}

		defer gz.Close()

		r = gz
	}

	buf := allocBody()
	defer releaseBody(buf)

	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}

	if buf.Len() == 0 {
		return nil, nil
	}

	return bytes.Clone(buf.Bytes()), nil
}

// Bodies larger than maxPooledBody are left to the garbage collector so one large sync response
// does not stay pinned in the pool.
const maxPooledBody = 1 << 20

var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

func allocBody() *bytes.Buffer {
	buf := bodyPool.Get().(*bytes.Buffer) //nolint:forcetypeassert
	buf.Reset()

	return buf
}

func releaseBody(buf *bytes.Buffer) {
	if buf.Cap() <= maxPooledBody {
		bodyPool.Put(buf)
	}
}
