package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/ProtonMail/airsync/connector"
	"github.com/ProtonMail/airsync/version"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/h2non/gock.v1"
)

const server = "https://mail.example.com"

func newTestTransport(t *testing.T) *HTTP {
	t.Cleanup(gock.Off)

	client := &http.Client{}
	gock.InterceptClient(client)

	t.Cleanup(func() { gock.RestoreClient(client) })

	return New(Config{
		Host:     "mail.example.com",
		User:     "alice",
		Password: "secret",
		DeviceID: "dev1",
		Client:   client,
		Info:     version.Info{Name: "airsync", Version: version.Version{Major: 1, Minor: 2, Patch: 3}},
	})
}

func TestSend(t *testing.T) {
	tr := newTestTransport(t)

	gock.New(server).
		Post(Path).
		MatchParam("Cmd", "^Sync$").
		MatchParam("User", "^alice$").
		MatchParam("DeviceId", "^dev1$").
		MatchParam("DeviceType", "^airsync$").
		MatchHeader("Authorization", "^Basic ").
		MatchHeader(connector.HeaderProtocolVersion, `^14\.0$`).
		MatchHeader(connector.HeaderPolicyKey, "^1234$").
		MatchHeader("Content-Type", contentType).
		MatchHeader("User-Agent", `^airsync/01\.02\.03$`).
		BodyString("request").
		Reply(http.StatusOK).
		BodyString("response")

	res, err := tr.Send(context.Background(), connector.Command{
		Name:            connector.CmdSync,
		Body:            []byte("request"),
		PolicyKey:       "1234",
		ProtocolVersion: "14.0",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, []byte("response"), res.Body)
	require.True(t, gock.IsDone())
}

func TestSend_StatusIsNotAnError(t *testing.T) {
	tr := newTestTransport(t)

	gock.New(server).
		Post(Path).
		Reply(449)

	res, err := tr.Send(context.Background(), connector.Command{Name: connector.CmdPing})
	require.NoError(t, err)
	require.Equal(t, 449, res.Status)
	require.True(t, res.IsEmpty())
}

func TestSend_Gzip(t *testing.T) {
	tr := newTestTransport(t)

	var compressed bytes.Buffer

	gz := gzip.NewWriter(&compressed)
	_, err := gz.Write([]byte("compressed response"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	gock.New(server).
		Post(Path).
		MatchHeader("Accept-Encoding", "gzip").
		Reply(http.StatusOK).
		SetHeader("Content-Encoding", "gzip").
		Body(bytes.NewReader(compressed.Bytes()))

	res, err := tr.Send(context.Background(), connector.Command{Name: connector.CmdFolderSync})
	require.NoError(t, err)
	require.Equal(t, []byte("compressed response"), res.Body)
	assert.Empty(t, res.Header.Get("Content-Encoding"))
}

func TestSend_EmptyGzip(t *testing.T) {
	tr := newTestTransport(t)

	gock.New(server).
		Post(Path).
		Reply(http.StatusOK).
		SetHeader("Content-Encoding", "gzip")

	res, err := tr.Send(context.Background(), connector.Command{Name: connector.CmdPing})
	require.NoError(t, err)
	require.True(t, res.IsEmpty())
}

func TestSend_TransportError(t *testing.T) {
	tr := newTestTransport(t)

	gock.New(server).
		Post(Path).
		ReplyError(io.ErrUnexpectedEOF)

	_, err := tr.Send(context.Background(), connector.Command{Name: connector.CmdPing})
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSetHost(t *testing.T) {
	tr := newTestTransport(t)

	gock.New("https://other.example.com").
		Post(Path).
		MatchParam("Cmd", "^Ping$").
		Reply(http.StatusOK)

	tr.SetHost("other.example.com")
	require.Equal(t, "other.example.com", tr.Host())

	res, err := tr.Send(context.Background(), connector.Command{Name: connector.CmdPing})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)
	require.True(t, gock.IsDone())
}

func TestOptions(t *testing.T) {
	tr := newTestTransport(t)

	mock := gock.New(server).Path(Path)
	mock.Method = http.MethodOptions

	mock.Reply(http.StatusOK).
		SetHeader(connector.HeaderProtocolVersions, "2.5,12.0,12.1,14.0")

	res, err := tr.Options(context.Background())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "2.5,12.0,12.1,14.0", res.Header.Get(connector.HeaderProtocolVersions))
	require.True(t, gock.IsDone())
}

func TestNew_GeneratesDeviceID(t *testing.T) {
	tr := New(Config{Host: "mail.example.com"})

	require.Len(t, tr.cfg.DeviceID, 32)
	require.Equal(t, defaultDeviceType, tr.cfg.DeviceType)
}

func TestSend_LargeBody(t *testing.T) {
	tr := newTestTransport(t)

	body := bytes.Repeat([]byte{'x'}, 2*maxPooledBody)

	gock.New(server).
		Post(Path).
		Reply(http.StatusOK).
		Body(bytes.NewReader(body))

	res, err := tr.Send(context.Background(), connector.Command{Name: connector.CmdSync})
	require.NoError(t, err)
	require.Equal(t, body, res.Body)

	// The next body starts empty whatever buffer the pool hands out.
	require.Zero(t, allocBody().Len())
}
