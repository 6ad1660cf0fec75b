package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"confidentialscore/internal/clock"
	"confidentialscore/internal/errs"
	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
	"confidentialscore/internal/ledger"
)

// DefaultNonceTTL bounds both transaction clock skew and nonce memory.
const DefaultNonceTTL = 10 * time.Minute

// EventSource serves change notifications; notify.Hub implements it.
type EventSource interface {
	Since(ledgerAddr identity.Address, after uint64) []ledger.Event
}

// Limiter throttles submissions per sender.
type Limiter interface {
	Allow(sender identity.Address) bool
}

// RequestObserver is told about every finished request.
type RequestObserver func(route string, status int, elapsed time.Duration)

// ErrorObserver is told about every error written to a client.
type ErrorObserver func(err error)

// Config wires a Server. Events, Limiter, Observer and OnError are optional.
type Config struct {
	Coprocessor *fhe.Coprocessor
	Ledgers     []*ledger.Ledger
	Events      EventSource
	Limiter     Limiter
	Observer    RequestObserver
	OnError     ErrorObserver
	Clock       clock.Clock
	NonceTTL    time.Duration
	Log         logrus.FieldLogger
}

// Server is the HTTP surface of the ledgers and the coprocessor.
type Server struct {
	cp      *fhe.Coprocessor
	ledgers map[identity.Address]*ledger.Ledger
	order   []identity.Address
	events  EventSource
	limiter Limiter
	observe RequestObserver
	onError ErrorObserver
	clock   clock.Clock
	nonces  *NonceCache
	log     logrus.FieldLogger
	mux     *http.ServeMux
}

func NewServer(cfg Config) *Server {
	s := &Server{
		cp:      cfg.Coprocessor,
		ledgers: make(map[identity.Address]*ledger.Ledger, len(cfg.Ledgers)),
		events:  cfg.Events,
		limiter: cfg.Limiter,
		observe: cfg.Observer,
		onError: cfg.OnError,
		clock:   cfg.Clock,
		log:     cfg.Log,
		mux:     http.NewServeMux(),
	}
	if s.clock == nil {
		s.clock = clock.Real
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	ttl := cfg.NonceTTL
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	s.nonces = NewNonceCache(ttl)
	for _, l := range cfg.Ledgers {
		s.ledgers[l.Address()] = l
		s.order = append(s.order, l.Address())
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/ledgers/{ledger}/submit", s.submit)
	s.mux.HandleFunc("GET /v1/ledgers/{ledger}/scores/{participant}", s.score)
	s.mux.HandleFunc("GET /v1/ledgers/{ledger}/count", s.count)
	s.mux.HandleFunc("GET /v1/ledgers/{ledger}/index/{i}", s.byIndex)
	s.mux.HandleFunc("GET /v1/ledgers/{ledger}/exists/{participant}", s.exists)
	s.mux.HandleFunc("GET /v1/ledgers/{ledger}/all", s.all)
	s.mux.HandleFunc("GET /v1/ledgers/{ledger}/events", s.listEvents)
	s.mux.HandleFunc("GET /v1/network", s.network)
	s.mux.HandleFunc("POST /v1/decrypt", s.decrypt)
}

// Handle registers an extra route, such as /healthz.
func (s *Server) Handle(pattern string, h http.Handler) { s.mux.Handle(pattern, h) }

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler { return chain(s.log, s.observe).Then(s.mux) }

func (s *Server) ledgerFor(r *http.Request) (*ledger.Ledger, error) {
	addr, err := identity.ParseAddress(r.PathValue("ledger"))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errs.ErrBadRequest)
	}
	l, ok := s.ledgers[addr]
	if !ok {
		return nil, fmt.Errorf("no ledger at %s: %w", addr, errs.ErrNotFound)
	}
	return l, nil
}

func pathAddress(r *http.Request, name string) (identity.Address, error) {
	a, err := identity.ParseAddress(r.PathValue(name))
	if err != nil {
		return identity.Address{}, fmt.Errorf("%v: %w", err, errs.ErrBadRequest)
	}
	return a, nil
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	l, err := s.ledgerFor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var tx SubmitTx
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		s.writeError(w, fmt.Errorf("decode submit: %v: %w", err, errs.ErrBadRequest))
		return
	}
	if tx.Ledger != l.Address() {
		s.writeError(w, fmt.Errorf("transaction targets %s: %w", tx.Ledger, errs.ErrBadRequest))
		return
	}
	if err := tx.Verify(); err != nil {
		s.writeError(w, err)
		return
	}
	if s.limiter != nil && !s.limiter.Allow(tx.Sender) {
		s.writeError(w, fmt.Errorf("sender %s throttled: %w", tx.Sender, errs.ErrBusy))
		return
	}
	if err := s.nonces.Check(tx.Nonce, tx.Timestamp, s.clock.Now()); err != nil {
		s.writeError(w, err)
		return
	}

	rec, err := l.Submit(r.Context(), tx.Sender, tx.Input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.WithFields(logrus.Fields{
		"ledger": l.Address(),
		"sender": tx.Sender,
		"seq":    rec.Seq,
	}).Info("score submitted")
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) score(w http.ResponseWriter, r *http.Request) {
	l, err := s.ledgerFor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := pathAddress(r, "participant")
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := l.Record(p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) count(w http.ResponseWriter, r *http.Request) {
	l, err := s.ledgerFor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: l.Count()})
}

func (s *Server) byIndex(w http.ResponseWriter, r *http.Request) {
	l, err := s.ledgerFor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	i, err := strconv.Atoi(r.PathValue("i"))
	if err != nil {
		s.writeError(w, fmt.Errorf("index %q: %w", r.PathValue("i"), errs.ErrBadRequest))
		return
	}
	p, err := l.ByIndex(i)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, indexResponse{Participant: p})
}

func (s *Server) exists(w http.ResponseWriter, r *http.Request) {
	l, err := s.ledgerFor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := pathAddress(r, "participant")
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existsResponse{Exists: l.Exists(p)})
}

func (s *Server) all(w http.ResponseWriter, r *http.Request) {
	l, err := s.ledgerFor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	addrs, handles := l.GetAll()
	if addrs == nil {
		addrs, handles = []identity.Address{}, []fhe.Handle{}
	}
	writeJSON(w, http.StatusOK, allResponse{Participants: addrs, Handles: handles})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	l, err := s.ledgerFor(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var after uint64
	if q := r.URL.Query().Get("after"); q != "" {
		if after, err = strconv.ParseUint(q, 10, 64); err != nil {
			s.writeError(w, fmt.Errorf("after %q: %w", q, errs.ErrBadRequest))
			return
		}
	}
	events := []ledger.Event{}
	if s.events != nil {
		if got := s.events.Since(l.Address(), after); got != nil {
			events = got
		}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

func (s *Server) network(w http.ResponseWriter, _ *http.Request) {
	n := s.cp.Network()
	writeJSON(w, http.StatusOK, NetworkInfo{
		ChainID:           n.ChainID,
		VerifyingContract: n.VerifyingContract,
		KEMPublicKey:      n.KEMPublicKey,
		Ledgers:           s.order,
	})
}

func (s *Server) decrypt(w http.ResponseWriter, r *http.Request) {
	var req fhe.DecryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("decode decrypt request: %v: %w", err, errs.ErrBadRequest))
		return
	}
	out, err := s.cp.UserDecrypt(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := decryptResponse{Values: make([]DecryptedValue, 0, len(out))}
	for _, p := range req.Pairs {
		if v, ok := out[p.Handle]; ok {
			resp.Values = append(resp.Values, DecryptedValue{Handle: p.Handle, Value: v})
		}
	}
	s.log.WithFields(logrus.Fields{"user": req.User, "handles": len(resp.Values)}).Info("user decryption served")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errs.Status(err)
	if code >= http.StatusInternalServerError && !errors.Is(err, errs.ErrBackendUnavailable) {
		s.log.WithError(err).Error("request failed")
	}
	if s.onError != nil {
		s.onError(err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
