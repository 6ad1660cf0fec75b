package notify

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler processes one received message.
type Handler func(Message)

// Receiver is the peer side of webhook delivery: it accepts envelopes on /message and
// dispatches them by type.
type Receiver struct {
	log      logrus.FieldLogger
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewReceiver(log logrus.FieldLogger) *Receiver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Receiver{log: log, handlers: make(map[string]Handler)}
}

// RegisterHandler sets the handler for messageType.
func (r *Receiver) RegisterHandler(messageType string, h Handler) {
	r.mu.Lock()
	r.handlers[messageType] = h
	r.mu.Unlock()
}

func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg Message
	if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	r.mu.RLock()
	h, ok := r.handlers[msg.Type]
	r.mu.RUnlock()
	if !ok {
		r.log.WithFields(logrus.Fields{"type": msg.Type, "sender": msg.SenderID}).Debug("unknown message type")
	} else {
		h(msg)
	}
	w.WriteHeader(http.StatusOK)
}

// Mux returns a mux serving the receiver at /message.
func (r *Receiver) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/message", r)
	return mux
}
