package shopkeeper

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// MaxHookBody is the largest webhook payload that will be read.
const MaxHookBody = 1 << 20

// HookHandler serves the endpoint Stripe delivers webhook events to, and
// passes each event to a Synchronizer.
type HookHandler struct {
	sync *Synchronizer
	log  zerolog.Logger
}

var _ http.Handler = (*HookHandler)(nil)

// NewHookHandler returns a HookHandler that applies the events it receives
// via the given Synchronizer.
func NewHookHandler(s *Synchronizer, log zerolog.Logger) *HookHandler {
	return &HookHandler{
		sync: s,
		log:  log,
	}
}

// HandlerFunc should be registered in the route multiplexer being used to
// register routes in the web server. For example,
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/stripe-hook", hook.HandlerFunc)
//
// this would cause the HookHandler to handle all of the requests sent to the
// "/stripe-hook" endpoint. Stripe will redeliver any event that does not get a
// 2xx response, so only failures that may succeed on redelivery get a 5xx or
// 409.
func (h *HookHandler) HandlerFunc(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxHookBody))

	if err != nil {
		var maxerr *http.MaxBytesError

		if errors.As(err, &maxerr) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}

		h.log.Error().Err(err).Msg("failed to read webhook body")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	res, err := h.sync.Sync(r.Context(), payload, r.Header.Get("Stripe-Signature"))

	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrMalformedPayload):
			w.WriteHeader(http.StatusBadRequest)
		case Retryable(err):
			w.WriteHeader(http.StatusConflict)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	if res.Outcome == Duplicate {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ServeHTTP implements http.Handler.
func (h *HookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.HandlerFunc(w, r) }
