package hello

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := zerolog.Nop()
	server := httptest.NewServer(routes("testbox", &log))
	t.Cleanup(server.Close)
	return server
}

func TestRootEchoesRequest(t *testing.T) {
	server := testServer(t)

	req, err := http.NewRequest(http.MethodPost, server.URL+"/anything", strings.NewReader("ping"))
	require.NoError(t, err)
	req.Header.Set("X-Demo", "42")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page bytes.Buffer
	_, err = page.ReadFrom(resp.Body)
	require.NoError(t, err)
	body := page.String()
	assert.Contains(t, body, "testbox")
	assert.Contains(t, body, "Method: POST")
	assert.Contains(t, body, "X-Demo")
	assert.Contains(t, body, "Body: ping")
}

func TestUptimeReportsStartTime(t *testing.T) {
	server := testServer(t)

	resp, err := http.Get(server.URL + UptimeRoute)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var uptime Uptime
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uptime))
	assert.False(t, uptime.StartTime.IsZero())
	assert.NotEmpty(t, uptime.UpTime)
}

func TestHealthRoute(t *testing.T) {
	server := testServer(t)

	resp, err := http.Get(server.URL + HealthRoute)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", body.String())
}

func TestWebsocketEchoes(t *testing.T) {
	server := testServer(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + WSRoute
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	messageType, message, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, messageType)
	assert.Equal(t, "hello", string(message))
}

func TestSSECountsUp(t *testing.T) {
	server := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+SSERoute+"?freq=10ms", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "0\n", line)
}
