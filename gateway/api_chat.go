package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/Wuni1/InferOps/gateway/scheduler"
)

const maxChatBodyBytes = 4 << 20

// chatEnvelope is the slice of the request the gateway actually
// inspects. The body is forwarded to the node verbatim, so unknown
// fields (temperature, max_tokens, ...) pass through untouched.
type chatEnvelope struct {
	Messages []json.RawMessage `json:"messages"`
	Model    string            `json:"model"`
	Stream   *bool             `json:"stream"`
}

// handleChatCompletions proxies one chat completion to the best node.
// Streaming (the default) answers with server-sent events; stream=false
// buffers the upstream response and names the node in X-Assigned-Node.
func (a *API) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !a.allowRequest(w, r, "chat", a.chatLimiter) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxChatBodyBytes))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var env chatEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeDetail(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}
	if len(env.Messages) == 0 {
		writeDetail(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	stream := env.Stream == nil || *env.Stream
	if stream {
		if err := a.dispatcher.Stream(r.Context(), w, body, env.Model); err != nil {
			a.writeDispatchError(w, r.Context(), err)
		}
		return
	}

	node, respBody, err := a.dispatcher.Buffered(r.Context(), body, env.Model)
	if err != nil {
		a.writeDispatchError(w, r.Context(), err)
		return
	}
	w.Header().Set("X-Assigned-Node", strconv.Itoa(node.ID))
	w.Header().Set("Content-Type", "application/json")
	w.Write(respBody)
}

// writeDispatchError maps dispatcher failures onto the public error
// contract: 503 when no node is eligible, 502 when the chosen node(s)
// died before producing any output.
func (a *API) writeDispatchError(w http.ResponseWriter, ctx context.Context, err error) {
	var upstream *UpstreamError
	switch {
	case ctx.Err() != nil:
		// Client already hung up; there is nobody to answer.
	case errors.Is(err, scheduler.ErrNoNodeAvailable):
		writeDetail(w, http.StatusServiceUnavailable, "All suitable nodes are busy or unavailable.")
	case errors.As(err, &upstream):
		writeDetail(w, http.StatusBadGateway, "The assigned compute node failed before responding.")
	default:
		writeDetail(w, http.StatusInternalServerError, "internal error")
	}
}
