package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/tailstream/stream"
	"github.com/rs/zerolog/log"
)

// Options bound what a single request may do
type Options struct {
	MaxWait         time.Duration // Upper bound for long-poll reads
	MaxPayloadBytes int64         // Upper bound for one append body
	NodeID          uint64        // Mixed into minted subscriber ids
}

// Handlers serves the stream API on top of a broker
type Handlers struct {
	broker *stream.Broker
	opts   Options
}

// NewHandlers creates a new Handlers instance
func NewHandlers(broker *stream.Broker, opts Options) *Handlers {
	if opts.MaxWait <= 0 {
		opts.MaxWait = 30 * time.Second
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = 1 << 20
	}
	return &Handlers{broker: broker, opts: opts}
}

type sessionResponse struct {
	Subscriber stream.SubscriberID `json:"subscriber"`
}

type subscriptionJSON struct {
	Subscriber stream.SubscriberID `json:"subscriber"`
	Cursor     uint64              `json:"cursor"`
}

type streamJSON struct {
	Name           stream.StreamID    `json:"name"`
	Tail           uint64             `json:"tail"`
	TrimmedThrough uint64             `json:"trimmed_through"`
	Retained       uint64             `json:"retained"`
	CreatedAt      time.Time          `json:"created_at"`
	Subscriptions  []subscriptionJSON `json:"subscriptions"`
}

type eventJSON struct {
	Sequence uint64    `json:"sequence"`
	Time     time.Time `json:"time"`
	Payload  []byte    `json:"payload"`
}

type readResponse struct {
	Events []eventJSON `json:"events"`
}

type batchRequest struct {
	Payloads [][]byte `json:"payloads"`
}

func toStreamJSON(info stream.StreamInfo) streamJSON {
	out := streamJSON{
		Name:           info.ID,
		Tail:           info.Tail,
		TrimmedThrough: info.TrimmedThrough,
		Retained:       info.Retained(),
		CreatedAt:      info.CreatedAt,
		Subscriptions:  make([]subscriptionJSON, 0, len(info.Subscriptions)),
	}
	for _, sub := range info.Subscriptions {
		out.Subscriptions = append(out.Subscriptions, subscriptionJSON{Subscriber: sub.Subscriber, Cursor: sub.Cursor})
	}
	return out
}

// Sessions

func (h *Handlers) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.broker.Session(stream.NewSubscriberID(h.opts.NodeID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Subscriber: s.ID()})
}

func (h *Handlers) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.broker.Session(subscriberID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Close(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Streams

func (h *Handlers) handleListStreams(w http.ResponseWriter, r *http.Request) {
	ids, err := h.broker.ListStreams(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]streamJSON, 0, len(ids))
	for _, id := range ids {
		info, err := h.broker.Describe(r.Context(), id)
		if errors.Is(err, stream.ErrStreamNotFound) {
			continue
		}
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, toStreamJSON(info))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	id := streamID(r)
	if _, err := h.broker.CreateStream(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	info, err := h.broker.Describe(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toStreamJSON(info))
}

func (h *Handlers) handleDescribeStream(w http.ResponseWriter, r *http.Request) {
	info, err := h.broker.Describe(r.Context(), streamID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStreamJSON(info))
}

func (h *Handlers) handleDropStream(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.DropStream(r.Context(), streamID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Events

func (h *Handlers) handleAppend(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxPayloadBytes))
	if err != nil {
		writeBodyError(w, err)
		return
	}

	seq, err := h.broker.Append(r.Context(), streamID(r), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"sequence": seq})
}

func (h *Handlers) handleAppendBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	// base64 inflates payloads by a third
	limit := h.opts.MaxPayloadBytes * 2
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(&req); err != nil {
		writeBodyError(w, err)
		return
	}
	if len(req.Payloads) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "payloads must not be empty")
		return
	}

	seqs, err := h.broker.AppendBatch(r.Context(), streamID(r), req.Payloads...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]uint64{"sequences": seqs})
}

// handleRead consumes everything pending for the caller. With ?wait= an
// empty read blocks until an append wakes the subscriber or the wait ends.
func (h *Handlers) handleRead(w http.ResponseWriter, r *http.Request) {
	wait, err := h.parseWait(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	id := streamID(r)
	s, err := h.broker.Session(subscriberID(r))
	if err != nil {
		writeError(w, err)
		return
	}

	events, err := h.readOnce(r.Context(), s, id)
	if err != nil {
		writeError(w, err)
		return
	}

	deadline := time.Now().Add(wait)
	for len(events) == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		woke, err := s.Wait(r.Context(), id, remaining)
		if errors.Is(err, stream.ErrNotSubscribed) || r.Context().Err() != nil {
			// No notifier interest in this process; fall back to an immediate answer
			break
		}
		if err != nil {
			writeError(w, err)
			return
		}
		if !woke {
			break
		}
		if events, err = h.readOnce(r.Context(), s, id); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, readResponse{Events: events})
}

func (h *Handlers) readOnce(ctx context.Context, s *stream.Session, id stream.StreamID) ([]eventJSON, error) {
	it, err := s.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	evs, err := stream.Collect(it)
	if err != nil {
		return nil, err
	}
	out := make([]eventJSON, 0, len(evs))
	for _, ev := range evs {
		out = append(out, eventJSON{Sequence: ev.Sequence, Time: ev.Time, Payload: ev.Payload})
	}
	return out, nil
}

func (h *Handlers) parseWait(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid wait parameter: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("wait must not be negative")
	}
	if d > h.opts.MaxWait {
		d = h.opts.MaxWait
	}
	return d, nil
}

// Subscriptions

func (h *Handlers) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	s, err := h.broker.Session(subscriberID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	cursor, err := s.Subscribe(r.Context(), streamID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"cursor": cursor})
}

func (h *Handlers) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s, err := h.broker.Session(subscriberID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Unsubscribe(r.Context(), streamID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Request parameters

func streamID(r *http.Request) stream.StreamID {
	return stream.StreamID(chi.URLParam(r, "stream"))
}

func subscriberID(r *http.Request) stream.SubscriberID {
	return stream.SubscriberID(r.Header.Get(SubscriberHeader))
}

func (h *Handlers) withStream(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := streamID(r).Validate(); err != nil {
			writeError(w, err)
			return
		}
		fn(w, r)
	}
}

func (h *Handlers) withSubscriber(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := subscriberID(r).Validate(); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, SubscriberHeader+" header: "+err.Error())
			return
		}
		fn(w, r)
	}
}

// Responses

// statusFor maps broker errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrAlreadySubscribed), errors.Is(err, stream.ErrStreamExists):
		return http.StatusConflict
	case errors.Is(err, stream.ErrNotSubscribed):
		return http.StatusPreconditionFailed
	case errors.Is(err, stream.ErrStreamNotFound):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrInvalidStreamID), errors.Is(err, stream.ErrInvalidSubscriberID):
		return http.StatusBadRequest
	case errors.Is(err, stream.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Stream API request failed")
	}
	writeErrorResponse(w, status, err.Error())
}

func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeErrorResponse(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("payload exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeErrorResponse(w, http.StatusBadRequest, "failed to read request body: "+err.Error())
}

// writeJSON writes a JSON response with the given status
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
