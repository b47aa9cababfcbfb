package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"codeshare/internal/app"
	"codeshare/internal/config"
	"codeshare/pkg/types"
)

// TestApplication is a running server on a loopback port backed by a
// SQLite file in a temporary directory.
type TestApplication struct {
	App     *app.Application
	Config  *config.Config
	BaseURL string
}

// TestConfig returns a configuration bound to an ephemeral port with its
// database under dir.
func TestConfig(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "codeshare.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.HTTP.Mode = "test"
	cfg.Log.Level = "warn"
	return cfg
}

// StartTestApplication builds and starts the application. It is stopped
// when the test ends.
func StartTestApplication(t *testing.T, cfg *config.Config) *TestApplication {
	t.Helper()

	application, err := app.NewApplication(cfg)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})

	return &TestApplication{
		App:     application,
		Config:  cfg,
		BaseURL: "http://" + application.GetAddr(),
	}
}

// Do sends a JSON request to the admin API and decodes the response body
// into out when out is non-nil.
func (ta *TestApplication) Do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ta.BaseURL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// Client is a browser stand-in speaking the event envelope protocol.
type Client struct {
	t    *testing.T
	conn *websocket.Conn
}

// Connect dials /ws and consumes the lobby summary sent on connect.
func (ta *TestApplication) Connect(t *testing.T) *Client {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ta.App.GetAddr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &Client{t: t, conn: conn}
	c.Expect(types.EventActiveRooms)
	return c
}

func (c *Client) Send(event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(types.Envelope{Event: event, Data: raw}))
}

// Expect skips lobby summaries until event arrives.
func (c *Client) Expect(event string) types.Envelope {
	c.t.Helper()
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var env types.Envelope
		require.NoError(c.t, c.conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event == event {
			return env
		}
		require.Equal(c.t, types.EventActiveRooms, env.Event, "unexpected event while waiting for %s", event)
	}
}

// Closed reports whether the server has closed the socket.
func (c *Client) Closed() bool {
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			var netErr net.Error
			return !(errors.As(err, &netErr) && netErr.Timeout())
		}
	}
}

func (c *Client) Close() {
	_ = c.conn.Close()
}

// Decode unmarshals an envelope payload.
func Decode[T any](t *testing.T, env types.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}
