// Package server wires the chat hub, the blob store and the optional relay
// behind one http server and runs them until the context is done.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/afero"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mqy/minichat/blob"
	"github.com/mqy/minichat/relay"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Addr string

	// StaticFs and StaticDir serve the web client at `/`, disabled when
	// StaticDir is empty.
	StaticFs  afero.Fs
	StaticDir string

	AllowedOrigins []string
	EnableMetrics  bool

	Hub   *ws.Hub
	Store *store.MessageStore
	Blobs *blob.Handler
	// Relay is optional.
	Relay *relay.Relay
}

type Server struct {
	conf       *Config
	httpServer *http.Server
}

func New(conf *Config) *Server {
	s := &Server{conf: conf}
	s.httpServer = &http.Server{Handler: s.Handler()}
	return s
}

// Handler returns the routes wrapped with CORS and h2c.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/ws", s.conf.Hub)
	r.Handle("/upload", s.conf.Blobs).Methods(http.MethodPost)
	r.PathPrefix(blob.URLPrefix).
		Handler(http.StripPrefix(blob.URLPrefix, s.conf.Blobs.Files())).
		Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if s.conf.EnableMetrics {
		r.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	if s.conf.StaticDir != "" {
		fs := s.conf.StaticFs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		r.PathPrefix("/").Handler(http.FileServer(afero.NewHttpFs(fs).Dir(s.conf.StaticDir)))
	}

	origins := s.conf.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	})
	return h2c.NewHandler(c.Handler(r), &http2.Server{})
}

type health struct {
	Connections int      `json:"connections"`
	OnlineUsers []string `json:"onlineUsers"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(&health{
		Connections: s.conf.Hub.NumConnections(),
		OnlineUsers: s.conf.Hub.OnlineNames(),
	})
}

// Listen binds the configured address.
func (s *Server) Listen() (net.Listener, error) {
	lis, err := net.Listen("tcp", s.conf.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s error: %v", s.conf.Addr, err)
	}
	return lis, nil
}

// Run serves on lis until ctx is done, then stops in order: http server, hub,
// relay and finally the message store, which flushes the newest history.
func (s *Server) Run(ctx context.Context, lis net.Listener, stopNotifyCh chan<- struct{}) {
	glog.Infof("chat server is starting")

	go s.conf.Store.Run()
	if s.conf.Relay != nil {
		go s.conf.Relay.Run(context.Background())
	}
	go s.conf.Hub.Run(ctx)

	go func() {
		glog.Infof("http server is listening %v", lis.Addr())
		if err := s.httpServer.Serve(lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			glog.Errorf("error serve http server: %v", err)
		}
	}()

	<-ctx.Done()
	glog.Infof("chat server is stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// hijacked websocket connections are not tracked by Shutdown, the hub closes them.
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("http server shutdown: %v", err)
	}
	glog.Infof("chat server: http server shutdown done")

	<-s.conf.Hub.Done()
	glog.Infof("chat server: hub stopped")

	if s.conf.Relay != nil {
		if err := s.conf.Relay.Close(); err != nil {
			glog.Errorf("relay close: %v", err)
		}
		glog.Infof("chat server: relay stopped")
	}

	if err := s.conf.Store.Close(); err != nil {
		glog.Errorf("message store close: %v", err)
	}
	glog.Infof("chat server: stopped")
	stopNotifyCh <- struct{}{}
}
