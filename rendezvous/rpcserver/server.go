// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rpcserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtr-dev/rondevu-server/rendezvous"
)

// Server is the HTTP frame around the dispatcher: routing, CORS, header
// parsing and graceful shutdown.
type Server struct {
	log        *zap.Logger
	dispatcher *Dispatcher
	config     rendezvous.Config
	server     http.Server
	listener   net.Listener
}

// NewServer creates a Server listening on the configured port.
func NewServer(log *zap.Logger, dispatcher *Dispatcher, config rendezvous.Config) (*Server, error) {
	if log == nil {
		return nil, Error.New("log can't be nil")
	}
	if dispatcher == nil {
		return nil, Error.New("dispatcher can't be nil")
	}

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(config.Port))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	server := &Server{
		log:        log,
		dispatcher: dispatcher,
		config:     config,
		listener:   listener,
	}

	router := mux.NewRouter()
	router.HandleFunc("/rpc", server.handleRPC).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)
	router.Use(server.corsMiddleware)

	server.server = http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server, nil
}

// Addr returns the bound listen address.
func (server *Server) Addr() string { return server.listener.Addr().String() }

// Run starts the server until ctx is canceled.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return Error.Wrap(server.server.Shutdown(shutdownCtx))
	})
	group.Go(func() error {
		defer cancel()
		server.log.Info("server started", zap.String("addr", server.Addr()))
		err := server.server.Serve(server.listener)
		if err == http.ErrServerClosed || ctx.Err() != nil {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close stops the server immediately.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

func (server *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var batch []Request
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		server.writeError(w, http.StatusBadRequest, rendezvous.CodeInvalidParams, "body must be a JSON array of requests")
		return
	}

	hdr := rendezvous.AuthHeaders{
		Name:      r.Header.Get("X-Name"),
		Timestamp: r.Header.Get("X-Timestamp"),
		Nonce:     r.Header.Get("X-Nonce"),
		Signature: r.Header.Get("X-Signature"),
	}

	responses, err := server.dispatcher.Dispatch(ctx, batch, hdr, ClientIP(r))
	if err != nil {
		code := rendezvous.CodeOf(err)
		message := err.Error()
		status := http.StatusBadRequest
		if code == rendezvous.CodeInternal {
			server.log.Error("batch failed", zap.Error(err))
			message = "internal error"
			status = http.StatusInternalServerError
		}
		server.writeError(w, status, code, message)
		return
	}

	server.writeJSON(w, http.StatusOK, responses)
}

func (server *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	server.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (server *Server) writeError(w http.ResponseWriter, status int, code rendezvous.ErrorCode, message string) {
	server.writeJSON(w, status, Response{Success: false, Error: message, ErrorCode: string(code)})
}

func (server *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		server.log.Error("response encoding failed", zap.Error(err))
	}
}

// corsMiddleware answers preflights and stamps allowed origins onto every
// response.
func (server *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := strings.Split(server.config.CORSOrigins, ",")
	for i := range allowed {
		allowed[i] = strings.TrimSpace(allowed[i])
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && server.originAllowed(allowed, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Name, X-Timestamp, X-Nonce, X-Signature")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (server *Server) originAllowed(allowed []string, origin string) bool {
	for _, candidate := range allowed {
		if candidate == "*" || candidate == origin {
			return true
		}
	}
	return false
}
