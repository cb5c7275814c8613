// Package webhook receives GitHub webhook deliveries and hands relevant ones
// to the dispatcher.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"gitagent/internal"
	"gitagent/pkg/action"
	"gitagent/pkg/dispatch"
)

// Response messages.
const (
	MessageTriggered        = "Optimization script triggered successfully"
	MessageInvalidSignature = "Invalid signature"
	MessageInvalidEvent     = "Invalid webhook event"
	MessageMethodNotAllowed = "Method not allowed"
	MessagePayloadTooLarge  = "Payload too large"
	messageExecPrefix       = "Error executing script: "
)

// Handler serves the webhook endpoint. It holds no per-request state.
type Handler struct {
	verifier     *Verifier
	dispatcher   *dispatch.Dispatcher
	logger       *log.Logger
	maxBodyBytes int64
	debugEvents  bool
}

type HandlerOption func(*Handler)

func WithLogger(logger *log.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMaxBodyBytes rejects larger bodies with 413. Zero means no limit.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		h.maxBodyBytes = n
	}
}

func WithDebugEvents(enabled bool) HandlerOption {
	return func(h *Handler) {
		h.debugEvents = enabled
	}
}

func NewHandler(verifier *Verifier, dispatcher *dispatch.Dispatcher, opts ...HandlerOption) *Handler {
	h := &Handler{
		verifier:   verifier,
		dispatcher: dispatcher,
		logger:     internal.NewLogger("webhook"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := requestID(r)
	w.Header().Set(requestHeader, id)
	logger := internal.WithRequestID(h.logger, id)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.respond(w, "method_not_allowed", http.StatusMethodNotAllowed, MessageMethodNotAllowed)
		return
	}

	body := r.Body
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	rawBody, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Printf("body exceeds %d bytes", tooLarge.Limit)
			h.respond(w, "too_large", http.StatusRequestEntityTooLarge, MessagePayloadTooLarge)
			return
		}
		logger.Printf("read body failed: %v", err)
		h.respond(w, "invalid_event", http.StatusBadRequest, MessageInvalidEvent)
		return
	}

	if err := h.verifier.Check(rawBody, r.Header.Get(SignatureHeader)); err != nil {
		logger.Printf("signature rejected: %v", err)
		h.respond(w, "invalid_signature", http.StatusForbidden, MessageInvalidSignature)
		return
	}

	event := r.Header.Get(eventHeader)
	if h.debugEvents {
		logDebugEvent(logger, event, rawBody)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(rawBody, &payload); err != nil || payload == nil {
		logger.Printf("payload is not a JSON object event=%s", event)
		h.respond(w, "invalid_event", http.StatusBadRequest, MessageInvalidEvent)
		return
	}
	if !h.dispatcher.Relevant(payload) {
		logger.Printf("ignored event=%s", event)
		h.respond(w, "invalid_event", http.StatusBadRequest, MessageInvalidEvent)
		return
	}

	trigger := newTrigger(id, r, rawBody, payload)
	// The action outlives a client that hangs up; only its own timeout stops it.
	ctx := context.WithoutCancel(r.Context())
	if _, err := h.dispatcher.Dispatch(ctx, trigger); err != nil {
		if errors.Is(err, action.ErrTimeout) {
			h.respond(w, "timed_out", http.StatusGatewayTimeout, messageExecPrefix+err.Error())
			return
		}
		h.respond(w, "dispatch_failed", http.StatusInternalServerError, messageExecPrefix+err.Error())
		return
	}
	h.respond(w, "triggered", http.StatusOK, MessageTriggered)
}

func (h *Handler) respond(w http.ResponseWriter, outcome string, status int, message string) {
	internal.IncRequest(outcome)
	writeMessage(w, status, message)
}
