// Package server is the read-only inspection endpoint of hostca. It exposes
// the root certificate, the ledger and the issuance journal of one store.
package server

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/cloudflare/cfssl/api"
	"github.com/cloudflare/cfssl/log"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/hostca/ca"
	"github.com/rkcloudchain/hostca/config"
	caerrors "github.com/rkcloudchain/hostca/errors"
	"github.com/rkcloudchain/hostca/metadata"
	"golang.org/x/crypto/bcrypt"
)

const (
	apiPathPrefix = "/api/v1/"
)

// endpoint is an endpoint method on a server
type endpoint func(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error)

// Server is the hostca inspection server
type Server struct {
	// The server's configuration
	Config *config.ServerConfig
	// The engine whose store and journal are served
	Engine *ca.Engine
	// The server mux
	mux *mux.Router
	// The current listener for this server
	listener net.Listener
	// An error which occurs when serving
	serverError error
	mutex       sync.Mutex
	wg          sync.WaitGroup
}

// New returns a server for engine. The server only reads the engine's
// store, so another process may issue against it while it is serving.
func New(cfg *config.ServerConfig, engine *ca.Engine) (*Server, error) {
	if engine == nil {
		return nil, errors.New("An engine is required")
	}
	if cfg == nil {
		cfg = new(config.ServerConfig)
	}
	if cfg.AuthUser != "" && cfg.AuthHash == "" {
		return nil, errors.New("A password hash is required when authentication is enabled")
	}
	s := &Server{Config: cfg, Engine: engine}
	s.registerHandlers()
	return s, nil
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() (err error) {
	log.Infof("Server Version: %s", metadata.GetVersion())

	s.mutex.Lock()
	if s.listener != nil {
		s.mutex.Unlock()
		return errors.New("server is already started")
	}
	s.mutex.Unlock()

	s.serverError = nil
	return s.listen()
}

// Stop the server
func (s *Server) Stop() error {
	err := s.closeListener()
	if err != nil {
		return err
	}
	s.wg.Wait()
	log.Debugf("Stop: successful stop on port %d", s.Config.Port)
	return nil
}

// Wait blocks until the server stops serving and returns the reason
func (s *Server) Wait() error {
	s.wg.Wait()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.serverError
}

// Addr returns the address the server is listening on, or "" when stopped
func (s *Server) Addr() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Starting listening
func (s *Server) listen() (err error) {
	var listener net.Listener

	c := s.Config
	if c.Address == "" {
		c.Address = "127.0.0.1"
	}
	addr := net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
	var addrStr string

	if c.TLS.Enabled {
		log.Debug("TLS is enabled")
		addrStr = fmt.Sprintf("https://%s", addr)

		tlsConfig, err := config.GetServerTLSConfig(&c.TLS)
		if err != nil {
			return err
		}
		listener, err = tls.Listen("tcp", addr, tlsConfig)
		if err != nil {
			return errors.Wrapf(err, "TLS listen failed for %s", addrStr)
		}
	} else {
		addrStr = fmt.Sprintf("http://%s", addr)
		listener, err = net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "TCP listen failed for %s", addrStr)
		}
	}

	s.mutex.Lock()
	s.listener = listener
	s.mutex.Unlock()
	log.Infof("Listening on %s", addrStr)

	s.wg.Add(1)
	go s.serve(listener)
	return nil
}

func (s *Server) serve(listener net.Listener) {
	defer s.wg.Done()
	err := http.Serve(listener, s.mux)
	s.mutex.Lock()
	stopped := s.listener == nil
	s.serverError = err
	s.mutex.Unlock()
	if stopped {
		log.Debugf("Server has stopped serving: %s", err)
		return
	}
	log.Errorf("Server has stopped serving: %s", err)
	s.closeListener()
}

// Closes the listening endpoint
func (s *Server) closeListener() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	port := s.Config.Port
	if s.listener == nil {
		msg := fmt.Sprintf("Stop: listener was already closed on port %d", port)
		log.Debug(msg)
		return errors.New(msg)
	}
	err := s.listener.Close()
	s.listener = nil
	if err != nil {
		log.Debugf("Stop: failed to close listener on port %d: %s", port, err)
		return err
	}
	log.Debugf("Stop: successfully closed listener on port %d", port)
	return nil
}

func (s *Server) registerHandlers() {
	s.mux = mux.NewRouter()
	s.registerHandler("cainfo", cainfoHandler, http.MethodGet, http.MethodHead)
	s.registerHandler("ledger", ledgerHandler, http.MethodGet)
	s.registerHandler("certificates/{cn}", certificateHandler, http.MethodGet)
}

func (s *Server) registerHandler(path string, e endpoint, methods ...string) {
	bound := func(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
		if err := s.authenticate(req); err != nil {
			return nil, err
		}
		return e(s, resp, req)
	}
	s.mux.Handle("/"+path, s.wrap(bound)).Methods(methods...)
	s.mux.Handle(apiPathPrefix+path, s.wrap(bound)).Methods(methods...)
}

// authenticate checks HTTP basic auth credentials against the configured
// bcrypt hash
func (s *Server) authenticate(r *http.Request) error {
	if s.Config.AuthUser == "" {
		return nil
	}
	user, password, ok := r.BasicAuth()
	if !ok {
		return caerrors.NewHTTPErr(http.StatusUnauthorized, caerrors.ErrAuthentication, "No user/pass in authorization header")
	}
	if user != s.Config.AuthUser {
		return caerrors.CreateHTTPErr(http.StatusUnauthorized, caerrors.ErrAuthentication, "Unknown user '%s'", user).
			Remote(caerrors.ErrAuthentication, "Authentication failure")
	}
	err := bcrypt.CompareHashAndPassword([]byte(s.Config.AuthHash), []byte(password))
	if err != nil {
		return caerrors.CreateHTTPErr(http.StatusUnauthorized, caerrors.ErrAuthentication, "Login failure for '%s': %s", user, err).
			Remote(caerrors.ErrAuthentication, "Authentication failure")
	}
	return nil
}

func (s *Server) wrap(handler func(http.ResponseWriter, *http.Request) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("Received request for %s", r.URL.String())
		resp, err := handler(w, r)
		he := s.getHTTPErr(err)

		if he != nil && he.GetStatusCode() == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Basic realm="hostca"`)
		}
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "0")
		} else {
			w.Header().Set("Content-Type", "application/json")
		}

		if he != nil {
			w.WriteHeader(he.GetStatusCode())
			log.Infof(`%s %s %s %d %d "%s"`, r.RemoteAddr, r.Method, r.URL, he.GetStatusCode(), he.GetLocalCode(), he.GetLocalMsg())
		} else {
			w.WriteHeader(http.StatusOK)
			log.Infof(`%s %s %s %d 0 "OK"`, r.RemoteAddr, r.Method, r.URL, http.StatusOK)
		}

		if r.Method != http.MethodHead {
			w.Write([]byte(`{"result":`))
			if resp != nil {
				s.writeJSON(resp, w)
			} else {
				w.Write([]byte(`""`))
			}

			w.Write([]byte(`,"errors":[`))
			if he != nil {
				rm := &api.ResponseMessage{Code: he.GetRemoteCode(), Message: he.GetRemoteMsg()}
				s.writeJSON(rm, w)
			}
			w.Write([]byte(`],"messages":[],"success":`))
			if he != nil {
				w.Write([]byte(`false}`))
			} else {
				w.Write([]byte(`true}`))
			}
		}
	}
}

func (s *Server) writeJSON(obj interface{}, w http.ResponseWriter) {
	enc := json.NewEncoder(w)
	err := enc.Encode(obj)
	if err != nil {
		log.Errorf("Failed encoding response to JSON: %s", err)
	}
}

func (s *Server) getHTTPErr(err error) *caerrors.HTTPErr {
	if err == nil {
		return nil
	}
	type causer interface {
		Cause() error
	}

	curErr := err
	for curErr != nil {
		switch curErr.(type) {
		case *caerrors.HTTPErr:
			return curErr.(*caerrors.HTTPErr)
		case causer:
			curErr = curErr.(causer).Cause()
		default:
			return caerrors.CreateHTTPErr(500, caerrors.ErrUnknown, "%s", err)
		}
	}

	return caerrors.CreateHTTPErr(500, caerrors.ErrUnknown, "nil error")
}
