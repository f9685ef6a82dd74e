package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"

	"kiroproxy/anthropic"
	"kiroproxy/db"
	"kiroproxy/dispatch"
	"kiroproxy/eventstream"
	"kiroproxy/kiro"
	"kiroproxy/platform/shutdown"
	"kiroproxy/translate"
)

// messagesHandler serves POST /v1/messages. The request is translated to
// the upstream schema, dispatched with failover across the credential pool,
// and the reply is streamed as SSE or buffered into a single JSON message.
// Retries never surface to the client; once streaming has begun a failure
// can only end the stream with an error stop tail.
func messagesHandler(c rweb.Context) error {
	if shutdown.Draining() {
		return writeError(c, http.StatusServiceUnavailable, anthropic.ErrTypeOverloaded, "server is shutting down")
	}

	started := time.Now()
	flow := db.FlowRecord{
		RequestID: uuid.New().String(),
		Timestamp: started,
		Method:    http.MethodPost,
		Path:      "/v1/messages",
	}

	var req anthropic.MessagesRequest
	if err := json.Unmarshal(c.Request().Body(), &req); err != nil {
		msg := "malformed JSON body: " + err.Error()
		submitFlow(flow, started, http.StatusBadRequest, msg)
		return writeError(c, http.StatusBadRequest, anthropic.ErrTypeInvalidRequest, msg)
	}

	flow.Model = translate.MapModel(req.Model)
	flow.Stream = req.Stream
	if req.Metadata != nil {
		flow.UserID = req.Metadata.UserID
	}

	kreq, err := translate.BuildRequest(&req, "")
	if err != nil {
		submitFlow(flow, started, http.StatusBadRequest, err.Error())
		return writeError(c, http.StatusBadRequest, anthropic.ErrTypeInvalidRequest, err.Error())
	}

	estimate := translate.EstimateTokens(&req)
	flow.InputTokens = estimate

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := deps.Dispatcher.Dispatch(ctx, kreq)
	if err != nil {
		status, errType, msg := mapDispatchError(err)
		submitFlow(flow, started, status, msg)
		return writeError(c, status, errType, msg)
	}
	defer res.Close()

	state := translate.NewResponseState(flow.Model, estimate)

	if req.Stream {
		c.Response().SetHeader("Content-Type", "text/event-stream")
		c.Response().SetHeader("Cache-Control", "no-cache")
		c.Response().SetHeader("Connection", "keep-alive")

		sw := eventstream.NewSSEWriter(c.Response())
		fault, werr := pumpEvents(sw, res.Events, state)

		usage := state.Usage()
		flow.InputTokens = usage.InputTokens
		flow.OutputTokens = usage.OutputTokens
		if werr != nil {
			// The client went away; closing the result aborts upstream.
			submitFlow(flow, started, http.StatusOK, "client disconnected")
			return nil
		}
		submitFlow(flow, started, http.StatusOK, fault)
		return nil
	}

	resp, fault := bufferResponse(res.Events, state)
	if fault != "" {
		usage := state.Usage()
		flow.InputTokens = usage.InputTokens
		flow.OutputTokens = usage.OutputTokens
		msg := "upstream stream failed: " + fault
		submitFlow(flow, started, http.StatusBadGateway, msg)
		return writeError(c, http.StatusBadGateway, anthropic.ErrTypeAPI, msg)
	}

	flow.InputTokens = resp.Usage.InputTokens
	flow.OutputTokens = resp.Usage.OutputTokens
	submitFlow(flow, started, http.StatusOK, "")
	return c.WriteJSON(resp)
}

// countTokensHandler serves POST /v1/messages/count_tokens with the same
// estimator the proxy uses for usage backfill.
func countTokensHandler(c rweb.Context) error {
	var req anthropic.CountTokensRequest
	if err := json.Unmarshal(c.Request().Body(), &req); err != nil {
		return writeError(c, http.StatusBadRequest, anthropic.ErrTypeInvalidRequest, "malformed JSON body: "+err.Error())
	}
	est := translate.EstimateTokens(&anthropic.MessagesRequest{
		Model:    req.Model,
		Messages: req.Messages,
		System:   req.System,
		Tools:    req.Tools,
	})
	return c.WriteJSON(anthropic.CountTokensResponse{InputTokens: est})
}

// pumpEvents drives the upstream event reader through the translator into
// the SSE writer until the upstream ends. A mid-stream upstream failure is
// reported as fault while the client still receives a well-formed error
// stop tail. A non-nil error means writing to the client failed.
func pumpEvents(sw *eventstream.SSEWriter, events *kiro.EventReader, state *translate.ResponseState) (fault string, err error) {
	if err := writeEvents(sw, state.Start()); err != nil {
		return "", err
	}
	for {
		ev, rerr := events.Next()
		if rerr == io.EOF {
			return "", writeEvents(sw, state.Finish())
		}
		if rerr != nil {
			logger.LogErr(rerr, "Upstream stream failed mid-response")
			return rerr.Error(), writeEvents(sw, state.Abort())
		}

		out, ferr := state.Feed(ev)
		if err := writeEvents(sw, out); err != nil {
			return "", err
		}
		if ferr != nil {
			logger.LogErr(ferr, "Upstream exception mid-response")
			return ferr.Error(), writeEvents(sw, state.Abort())
		}
	}
}

func writeEvents(sw *eventstream.SSEWriter, evs []translate.StreamEvent) error {
	for _, ev := range evs {
		if err := sw.Event(ev.Name, ev.Payload); err != nil {
			return err
		}
	}
	return nil
}

// bufferResponse folds the whole translated event sequence into one
// Messages response. Any upstream failure fails the request; nothing has
// been written yet so the caller can still send an error envelope.
func bufferResponse(events *kiro.EventReader, state *translate.ResponseState) (anthropic.MessageResponse, string) {
	var acc translate.Accumulator
	addAll := func(evs []translate.StreamEvent) {
		for _, ev := range evs {
			acc.Add(ev)
		}
	}

	addAll(state.Start())
	for {
		ev, err := events.Next()
		if err == io.EOF {
			addAll(state.Finish())
			return acc.Response(), ""
		}
		if err != nil {
			return anthropic.MessageResponse{}, err.Error()
		}
		out, ferr := state.Feed(ev)
		addAll(out)
		if ferr != nil {
			return anthropic.MessageResponse{}, ferr.Error()
		}
	}
}

// mapDispatchError turns a dispatch failure into the client-facing status,
// error type and message. Token text never appears here.
func mapDispatchError(err error) (status int, errType, message string) {
	var ex *dispatch.ExhaustedError
	switch {
	case errors.As(err, &ex):
		if ex.Attempts == 0 {
			return http.StatusServiceUnavailable, anthropic.ErrTypeOverloaded, "no eligible credentials available"
		}
		if ex.Last == dispatch.ClassFatal4xx {
			return http.StatusBadGateway, anthropic.ErrTypeAPI,
				fmt.Sprintf("upstream rejected the request (status %d)", ex.LastStatus)
		}
		return http.StatusServiceUnavailable, anthropic.ErrTypeOverloaded, "all credentials exhausted, retry later"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, anthropic.ErrTypeAPI, "upstream request timed out"
	default:
		return http.StatusBadGateway, anthropic.ErrTypeAPI, "upstream request failed"
	}
}

// submitFlow records one completed request in the flow log. Recording is
// best-effort and never affects the response.
func submitFlow(rec db.FlowRecord, started time.Time, status int, errMsg string) {
	if deps.Flows == nil {
		return
	}
	rec.DurationMs = time.Since(started).Milliseconds()
	rec.StatusCode = status
	rec.Error = errMsg
	deps.Flows.Record(rec)
}
