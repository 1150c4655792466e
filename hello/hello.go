// Package hello serves a throwaway local origin: a request-echo page, a
// websocket echo, and a server-sent event stream. It gives a fresh tunnel
// something to point at before any real service exists.
package hello

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigFastest

const (
	UptimeRoute = "/uptime"
	WSRoute     = "/ws"
	SSERoute    = "/sse"
	HealthRoute = "/_health"

	defaultSSEFreq = 10 * time.Second
)

// Uptime is the /uptime response body.
type Uptime struct {
	StartTime time.Time `json:"startTime"`
	UpTime    string    `json:"uptime"`
}

const defaultServerName = "the tuinnel test origin"

const indexTemplate = `<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="utf-8">
    <title>tuinnel test origin</title>
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
      body{margin:0;font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Roboto,Helvetica,Arial,sans-serif;color:#222}
      .wrap{max-width:48rem;margin:0 auto;padding:2rem 1rem}
      h1{font-size:1.6rem;border-top:4px solid #f38020;padding-top:1rem}
      h2{font-size:1rem;text-transform:uppercase;letter-spacing:.05em}
      dl{background:#f7f7f7;border-left:4px solid #f38020;padding:1rem;font-family:Consolas,monaco,monospace;font-size:.85rem;overflow-x:auto}
      dd{margin:0 0 .5rem 0}
    </style>
  </head>
  <body>
    <div class="wrap">
      <h1>Your tunnel works</h1>
      <p>This page is served by {{.ServerName}}. Point the tunnel at your
      real service once it exists.</p>
      <section>
        <h2>Request</h2>
        <dl>
          <dd>Method: {{.Request.Method}}</dd>
          <dd>Protocol: {{.Request.Proto}}</dd>
          <dd>Request URL: {{.Request.URL}}</dd>
          <dd>Host: {{.Request.Host}}</dd>
          <dd>Remote address: {{.Request.RemoteAddr}}</dd>
{{range $key, $value := .Request.Header}}
          <dd>Header: {{$key}}, Value: {{$value}}</dd>
{{end}}
          <dd>Body: {{.Body}}</dd>
        </dl>
      </section>
    </div>
  </body>
</html>
`

type templateData struct {
	ServerName string
	Request    *http.Request
	Body       string
}

// Server is the demo origin.
type Server struct {
	log    *zerolog.Logger
	server *http.Server
}

func NewServer(log *zerolog.Logger) *Server {
	serverName := defaultServerName
	if hostname, err := os.Hostname(); err == nil {
		serverName = hostname
	}
	return &Server{
		log:    log,
		server: &http.Server{Handler: routes(serverName, log)},
	}
}

// Serve blocks until Shutdown is called or the listener fails.
func (s *Server) Serve(listener net.Listener) error {
	s.log.Info().Str("addr", listener.Addr().String()).Msg("Starting test origin")
	err := s.server.Serve(listener)
	if err == http.ErrServerClosed {
		s.log.Info().Msg("Test origin stopped")
		return nil
	}
	return err
}

func (s *Server) Shutdown() error {
	return s.server.Close()
}

func routes(serverName string, log *zerolog.Logger) http.Handler {
	router := chi.NewRouter()
	router.Get(UptimeRoute, uptimeHandler(time.Now()))
	router.Get(WSRoute, websocketHandler(log))
	router.Get(SSERoute, sseHandler(log))
	router.Get(HealthRoute, healthHandler)
	router.HandleFunc("/*", rootHandler(serverName))
	return router
}

func uptimeHandler(startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := Uptime{StartTime: startTime, UpTime: time.Since(startTime).String()}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}

// websocketHandler echoes every message back on the connection it arrived on.
func websocketHandler(log *zerolog.Logger) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// the Host header carries a port here but the Origin header does not
		if host, _, err := net.SplitHostPort(r.Host); err == nil {
			r.Host = host
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Err(err).Msg("Could not upgrade to websocket")
			return
		}
		defer conn.Close()
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, message); err != nil {
				return
			}
		}
	}
}

// sseHandler emits a counter event on a fixed period, ?freq overrides it.
func sseHandler(log *zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			log.Error().Msgf("ResponseWriter %T cannot stream server-sent events", w)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")

		freq := defaultSSEFreq
		if raw := r.URL.Query().Get("freq"); raw != "" {
			if parsed, err := time.ParseDuration(raw); err == nil {
				freq = parsed
			}
		}
		ticker := time.NewTicker(freq)
		defer ticker.Stop()
		counter := 0
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
			}
			if _, err := fmt.Fprintf(w, "%d\n\n", counter); err != nil {
				return
			}
			flusher.Flush()
			counter++
		}
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// rootHandler renders the echo page for anything the other routes did not
// claim.
func rootHandler(serverName string) http.HandlerFunc {
	responseTemplate := template.Must(template.New("index").Parse(indexTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		var body string
		if rawBody, err := io.ReadAll(r.Body); err == nil {
			body = string(rawBody)
		}
		var buffer bytes.Buffer
		err := responseTemplate.Execute(&buffer, templateData{
			ServerName: serverName,
			Request:    r,
			Body:       body,
		})
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprintf(w, "error: %v", err)
			return
		}
		_, _ = buffer.WriteTo(w)
	}
}
