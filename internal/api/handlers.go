package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/bridgekit-ai/claude-bridge/internal/admission"
	"github.com/bridgekit-ai/claude-bridge/internal/auth"
	"github.com/bridgekit-ai/claude-bridge/internal/decorate"
	"github.com/bridgekit-ai/claude-bridge/internal/sse"
	"github.com/bridgekit-ai/claude-bridge/internal/telemetry"
	"github.com/bridgekit-ai/claude-bridge/internal/translator/chatcompletions"
	"github.com/bridgekit-ai/claude-bridge/internal/translator/messages"
	"github.com/bridgekit-ai/claude-bridge/internal/translator/responses"
	"github.com/bridgekit-ai/claude-bridge/internal/upstream"
)

// protocol bundles the per-endpoint translation hooks. The native Messages
// endpoint has nil hooks; its bodies pass through with only decoration on the
// way in and prefix stripping on the way out.
type protocol struct {
	name    string
	native  bool
	anthro  bool // error envelopes use the Anthropic shape
	reqFn   func(model string, body []byte, stream bool) []byte
	chunkFn func(ctx context.Context, model string, origReq, translated, raw []byte, param *any) []string
	// frameFn turns one converter output into wire bytes. Converter outputs
	// for the Responses protocol already carry their event: line.
	frameFn func(out string) string
	bodyFn  func(ctx context.Context, model string, origReq, body []byte) string
	done    bool // terminate the stream with data: [DONE]
}

var chatProtocol = protocol{
	name:    "chat_completions",
	reqFn:   chatcompletions.ConvertChatCompletionsRequestToClaude,
	chunkFn: chatcompletions.ConvertClaudeResponseToChatCompletions,
	frameFn: func(out string) string { return "data: " + out + "\n\n" },
	bodyFn: func(ctx context.Context, model string, _, body []byte) string {
		return chatcompletions.ConvertClaudeResponseToChatCompletionsNonStream(ctx, model, body)
	},
	done: true,
}

var responsesProtocol = protocol{
	name:    "responses",
	reqFn:   responses.ConvertResponsesRequestToClaude,
	chunkFn: responses.ConvertClaudeResponseToResponses,
	frameFn: func(out string) string { return out + "\n\n" },
	bodyFn:  responses.ConvertClaudeResponseToResponsesNonStream,
}

var messagesProtocol = protocol{
	name:   "messages",
	native: true,
	anthro: true,
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	s.proxy(c, chatProtocol)
}

func (s *Server) handleResponses(c *gin.Context) {
	s.proxy(c, responsesProtocol)
}

func (s *Server) handleMessages(c *gin.Context) {
	s.proxy(c, messagesProtocol)
}

// proxy runs the shared pipeline: admission, request translation, decoration,
// the upstream call, and response translation back to the caller's protocol.
func (s *Server) proxy(c *gin.Context, p protocol) {
	start := time.Now()

	body, err := c.GetRawData()
	if err != nil {
		writeError(c, p, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(c, p, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		writeError(c, p, http.StatusBadRequest, "invalid_request_error", "missing required field: model")
		return
	}
	stream := gjson.GetBytes(body, "stream").Bool()

	sessionKey := admission.SessionKey(body)
	requestLog := log.WithFields(log.Fields{
		"request_id": uuid.NewString(),
		"endpoint":   p.name,
		"session":    sessionKey,
		"model":      model,
	})
	if result := s.admission.Begin(sessionKey, body); !result.Accepted {
		requestLog.Warnf("request rejected: %s", result.Reason)
		writeError(c, p, http.StatusTooManyRequests, "rate_limit_error", result.Reason)
		return
	}
	defer s.admission.End(sessionKey)
	requestLog.Debug("request admitted")

	cfg := s.cfg.Load()
	mapped := cfg.MapModel(model)

	var claudeBody []byte
	if p.native {
		claudeBody = body
		if mapped != model {
			claudeBody, _ = sjson.SetBytes(claudeBody, "model", mapped)
		}
	} else {
		claudeBody = p.reqFn(mapped, body, stream)
	}
	claudeBody = decorate.Apply(claudeBody, decorate.Options{
		NativeEndpoint:    p.native,
		CacheMessageCount: cfg.CacheMessageCount,
	})

	resp, err := s.upstream.Messages(c.Request.Context(), claudeBody, stream)
	if err != nil {
		s.writeUpstreamError(c, p, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		s.writeUpstreamError(c, p, &upstream.StatusError{Code: resp.StatusCode, Body: errBody})
		return
	}

	var stats messages.StreamStats
	var relayErr error
	if stream {
		relayErr = s.streamResponse(c, p, mapped, body, claudeBody, resp.Body, &stats)
	} else {
		relayErr = s.completeResponse(c, p, mapped, body, resp.Body, &stats)
	}

	status := "ok"
	switch {
	case c.Request.Context().Err() != nil:
		status = "client disconnected"
	case relayErr != nil:
		status = "stream error"
	}
	s.sink.Record(telemetry.Event{
		Endpoint:     p.name,
		Model:        mapped,
		APIKey:       extractAPIKey(c.Request),
		Status:       status,
		StopReason:   stats.StopReason,
		InputTokens:  stats.InputTokens,
		OutputTokens: stats.OutputTokens,
		OutputText:   stats.Text(),
		Duration:     time.Since(start),
	})
}

// streamResponse relays the upstream SSE stream, converting each event into
// the caller's vocabulary. Headers commit lazily on the first output line so
// pre-stream failures can still render as plain HTTP errors; failures after
// that render as in-stream error events.
func (s *Server) streamResponse(c *gin.Context, p protocol, model string, origReq, translated []byte, upstreamBody io.Reader, stats *messages.StreamStats) error {
	headerWritten := false
	commit := func() {
		if headerWritten {
			return
		}
		headerWritten = true
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Writer.WriteHeader(http.StatusOK)
	}

	var param any
	scanner := sse.NewScanner(upstreamBody)
	for scanner.Scan() {
		line := decorate.StripToolPrefix(scanner.Bytes())
		stats.Observe(line)

		if p.native {
			if len(line) > 0 {
				commit()
			}
			if headerWritten {
				_, _ = c.Writer.Write(append(line, '\n'))
				c.Writer.Flush()
			}
			continue
		}

		outputs := p.chunkFn(c.Request.Context(), model, origReq, translated, line, &param)
		for _, out := range outputs {
			commit()
			_, _ = c.Writer.WriteString(p.frameFn(out))
		}
		if len(outputs) > 0 {
			c.Writer.Flush()
		}
	}
	if errScan := scanner.Err(); errScan != nil {
		log.Warnf("upstream stream read failed: %v", errScan)
		if !headerWritten {
			writeError(c, p, http.StatusInternalServerError, "api_error", "upstream stream terminated unexpectedly")
			return errScan
		}
		// The stream died after headers went out; synthesize the upstream's
		// error event so the client sees a terminal error shape instead of a
		// silent truncation.
		errLine := []byte(`data: {"type":"error","error":{"type":"upstream_error","message":"upstream stream terminated unexpectedly"}}`)
		if p.native {
			_, _ = c.Writer.WriteString("event: error\n" + string(errLine) + "\n\n")
		} else {
			for _, out := range p.chunkFn(c.Request.Context(), model, origReq, translated, errLine, &param) {
				_, _ = c.Writer.WriteString(p.frameFn(out))
			}
		}
		if p.done {
			_, _ = c.Writer.WriteString("data: [DONE]\n\n")
		}
		c.Writer.Flush()
		return errScan
	}

	if p.done {
		commit()
		_, _ = c.Writer.WriteString("data: [DONE]\n\n")
	}
	if headerWritten {
		c.Writer.Flush()
	}
	return nil
}

// completeResponse converts a buffered upstream body into the caller's
// protocol.
func (s *Server) completeResponse(c *gin.Context, p protocol, model string, origReq []byte, upstreamBody io.Reader, stats *messages.StreamStats) error {
	body, err := io.ReadAll(upstreamBody)
	if err != nil {
		writeError(c, p, http.StatusInternalServerError, "api_error", "failed to read upstream response")
		return err
	}
	body = decorate.StripToolPrefix(body)
	stats.ObserveResponse(body)

	if p.native {
		c.Data(http.StatusOK, "application/json", body)
		return nil
	}
	c.Data(http.StatusOK, "application/json", []byte(p.bodyFn(c.Request.Context(), model, origReq, body)))
	return nil
}

// writeUpstreamError maps transport-layer failures onto client-facing status
// codes: 401 for credential problems, 429 for upstream throttling that
// survived the retry budget, 500 for everything else.
func (s *Server) writeUpstreamError(c *gin.Context, p protocol, err error) {
	if errors.Is(err, auth.ErrNotAuthenticated) {
		writeError(c, p, http.StatusUnauthorized, "authentication_error", err.Error())
		return
	}
	if errors.Is(err, auth.ErrRefreshFailed) {
		writeError(c, p, http.StatusUnauthorized, "authentication_error", "OAuth token refresh failed; run `claude-bridge login` again")
		return
	}
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		message := gjson.GetBytes(statusErr.Body, "error.message").String()
		if message == "" {
			message = http.StatusText(statusErr.Code)
		}
		switch {
		case statusErr.Code == http.StatusUnauthorized:
			writeError(c, p, http.StatusUnauthorized, "authentication_error", message)
		case statusErr.Code == http.StatusTooManyRequests || statusErr.Code == 529:
			writeError(c, p, http.StatusTooManyRequests, "rate_limit_error", message)
		default:
			log.Errorf("upstream returned status %d: %s", statusErr.Code, statusErr.Body)
			writeError(c, p, http.StatusInternalServerError, "api_error", message)
		}
		return
	}
	if errors.Is(err, context.Canceled) {
		// Client went away; nothing useful to write.
		c.Abort()
		return
	}
	log.Errorf("upstream request failed: %v", err)
	writeError(c, p, http.StatusInternalServerError, "api_error", "upstream request failed")
}

// writeError renders an error envelope in the endpoint's own vocabulary.
func writeError(c *gin.Context, p protocol, status int, errType, message string) {
	if p.anthro {
		c.JSON(status, gin.H{
			"type":  "error",
			"error": gin.H{"type": errType, "message": message},
		})
		return
	}
	c.JSON(status, gin.H{
		"error": gin.H{"type": errType, "message": message, "code": errType},
	})
}
