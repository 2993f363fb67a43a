package api

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
	"github.com/JakeFAU/scrape-gateway/internal/idempotency"
	"github.com/JakeFAU/scrape-gateway/internal/pipeline"
)

// MsgIdempotencyUsed is returned when an idempotency key was consumed before.
const MsgIdempotencyUsed = "Idempotency key already used"

// credentialsFunc extracts the raw credentials from a request.
type credentialsFunc func(r *http.Request) string

func headerCredentials(r *http.Request) string {
	return r.Header.Get("Authorization")
}

// streamCredentials also accepts the key as the websocket subprotocol, since
// browsers cannot set headers on an upgrade request.
func streamCredentials(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		return v
	}
	for _, proto := range websocketProtocols(r) {
		if proto != "" {
			return proto
		}
	}
	return ""
}

func websocketProtocols(r *http.Request) []string {
	var out []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return out
}

func (s *Server) authStage(mode crawler.Mode, creds credentialsFunc) pipeline.Stage {
	return pipeline.Stage{
		Name: "auth",
		Run: func(x *pipeline.Exchange) pipeline.Result {
			identity, err := s.deps.Auth.Authenticate(x.Context(), creds(x.Request), mode)
			if err != nil {
				return rejectionOrFault(err)
			}
			x.SetIdentity(identity)
			x.Logger = x.Logger.With(zap.String("tenant_id", identity.TenantID))
			return pipeline.Continue()
		},
	}
}

// creditStage admits the tenant when it holds at least the minimum. A fixed
// minimum of zero falls back to the body limit, then to one credit.
func (s *Server) creditStage(fixed int64) pipeline.Stage {
	return pipeline.Stage{
		Name: "credits",
		Run: func(x *pipeline.Exchange) pipeline.Result {
			identity, ok := x.Identity()
			if !ok {
				return pipeline.Fault(errors.New("credit check before authentication"))
			}
			minimum := fixed
			if minimum == 0 {
				payload, res := readPayload(x)
				if !res.IsContinue() {
					return res
				}
				minimum = 1
				if payload.HasLimit {
					minimum = int64(payload.Limit)
				}
			}
			decision, err := s.deps.Credits.Check(x.Context(), identity.TenantID, minimum)
			if err != nil {
				return pipeline.Fault(err)
			}
			x.RemainingCredits = decision.RemainingCredits
			if !decision.Admitted {
				x.Logger.Error("insufficient credits",
					zap.String("team_id", identity.TenantID),
					zap.Int64("minimum", minimum),
					zap.Int64("remaining_credits", decision.RemainingCredits))
				return pipeline.Terminate(pipeline.Reject(pipeline.KindCreditsExhausted,
					http.StatusPaymentRequired, decision.Reason))
			}
			return pipeline.Continue()
		},
	}
}

func (s *Server) blocklistStage() pipeline.Stage {
	return pipeline.Stage{
		Name: "blocklist",
		Run: func(x *pipeline.Exchange) pipeline.Result {
			payload, res := readPayload(x)
			if !res.IsContinue() {
				return res
			}
			if payload.HasURL && s.deps.Blocklist != nil && s.deps.Blocklist.IsBlocked(payload.URL) {
				x.Logger.Info("blocked url rejected", zap.String("url", payload.URL))
				return pipeline.Terminate(pipeline.Reject(pipeline.KindPolicyBlocked,
					http.StatusForbidden, crawler.BlockedURLMessage))
			}
			return pipeline.Continue()
		},
	}
}

// idempotencyStage only runs when the request carries a key.
func (s *Server) idempotencyStage() pipeline.Stage {
	return pipeline.Stage{
		Name: "idempotency",
		Run: func(x *pipeline.Exchange) pipeline.Result {
			key := x.Request.Header.Get(idempotency.HeaderName)
			if key == "" {
				return pipeline.Continue()
			}
			admitted, err := s.deps.Idempotency.Admit(x.Context(), key)
			if err != nil {
				return pipeline.Fault(err)
			}
			if !admitted {
				return pipeline.Terminate(pipeline.Reject(pipeline.KindIdempotencyConflict,
					http.StatusConflict, MsgIdempotencyUsed))
			}
			return pipeline.Continue()
		},
	}
}

func readPayload(x *pipeline.Exchange) (*pipeline.Payload, pipeline.Result) {
	payload, err := x.Payload()
	if err != nil {
		return nil, rejectionOrFault(err)
	}
	return payload, pipeline.Continue()
}

func rejectionOrFault(err error) pipeline.Result {
	var rej *pipeline.Rejection
	if errors.As(err, &rej) {
		return pipeline.Terminate(rej)
	}
	return pipeline.Fault(err)
}
