// Package gateway - handler.go implements the HTTP endpoints.
//
// Streaming responses are written lazily: SSE headers go out with the first
// event, so a failure before message_start still gets a proper HTTP status
// and JSON error body.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/compresr/kiro-gateway/internal/anthropic"
	"github.com/compresr/kiro-gateway/internal/monitoring"
)

// =============================================================================
// MESSAGES
// =============================================================================

func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	req, err := g.decodeRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, anthropic.ErrTypeInvalidRequest, err.Error())
		return
	}

	if !req.Stream {
		resp, err := g.service.Invoke(r.Context(), req)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, anthropic.ErrTypeAPI, "streaming not supported")
		return
	}
	sse := &sseWriter{w: w, flusher: flusher}
	err = g.service.InvokeStreaming(r.Context(), req, sse.emit)
	if err == nil {
		return
	}
	if !sse.started {
		writeFailure(w, r, err)
		return
	}
	// The error event already went out on the stream.
	log.Debug().
		Err(err).
		Str("request_id", monitoring.RequestIDFromContext(r.Context())).
		Msg("gateway: stream ended with error")
}

func (g *Gateway) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	req, err := g.decodeRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, anthropic.ErrTypeInvalidRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, anthropic.CountTokensResponse{InputTokens: g.service.CountTokens(req)})
}

// decodeRequest reads a Messages API body.
func (g *Gateway) decodeRequest(w http.ResponseWriter, r *http.Request) (*anthropic.Request, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, fmt.Errorf("read body: %w", err)
	}

	var req anthropic.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if g.config.Monitoring.VerbosePayloads {
		log.Debug().
			Str("request_id", monitoring.RequestIDFromContext(r.Context())).
			RawJSON("body", body).
			Msg("gateway: request payload")
	}
	return &req, nil
}

// =============================================================================
// AUXILIARY ENDPOINTS
// =============================================================================

func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	ids := g.service.ListModels()
	list := anthropic.ModelList{Data: make([]anthropic.ModelInfo, 0, len(ids))}
	for _, id := range ids {
		list.Data = append(list.Data, anthropic.ModelInfo{Type: "model", ID: id, DisplayName: id})
	}
	if len(ids) > 0 {
		list.FirstID, list.LastID = ids[0], ids[len(ids)-1]
	}
	writeJSON(w, http.StatusOK, list)
}

func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	limits, err := g.service.UsageLimits(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(limits)
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.service.Stats())
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RESPONSE WRITERS
// =============================================================================

// sseWriter writes stream events as server-sent events.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) emit(ev anthropic.StreamEvent) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// writeFailure reports a pipeline error, unless the client already left.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		return
	}
	status, body := errorResponse(err)
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, anthropic.NewErrorResponse(errType, message))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("gateway: write response failed")
	}
}
