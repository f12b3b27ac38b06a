package proxy

import (
	"strings"
	"time"

	"github.com/voluntix/coordinator/internal/message"
)

// Mask replaces sensitive values before a payload is forwarded.
const Mask = "********"

// PublishInfo carries what the proxy knows about the publisher when a
// transformer runs.
type PublishInfo struct {
	Channel    string
	ClientIP   string
	SenderID   string
	SenderRole string
}

// Transformer rewrites an envelope before it is forwarded upstream. It must
// return a new envelope and leave its input untouched; the proxy may still
// need the original for logging.
type Transformer func(info PublishInfo, env *message.Envelope) *message.Envelope

// Chain applies transformers in order.
func Chain(transformers ...Transformer) Transformer {
	return func(info PublishInfo, env *message.Envelope) *message.Envelope {
		for _, t := range transformers {
			env = t(info, env)
		}
		return env
	}
}

// clone copies the envelope and its top-level data map.
func clone(env *message.Envelope) *message.Envelope {
	out := *env
	out.Data = make(map[string]any, len(env.Data))
	for k, v := range env.Data {
		out.Data[k] = v
	}
	return &out
}

// InjectMetadata stamps the verified publisher identity into the payload so
// handlers never trust sender fields a client chose for itself.
func InjectMetadata(info PublishInfo, env *message.Envelope) *message.Envelope {
	out := clone(env)
	out.Data["_sender_id"] = info.SenderID
	out.Data["_sender_role"] = info.SenderRole
	out.Data["_timestamp"] = time.Now().UTC().Format(time.RFC3339)
	out.Data["_client_ip"] = info.ClientIP
	return out
}

// Keys a registration payload may carry in the clear. Everything else is
// dropped on auth channels so stray fields cannot smuggle data past the
// filter.
var authAllowedKeys = map[string]bool{
	"username":    true,
	"email":       true,
	"password":    true,
	"request_id":  true,
	"client_ip":   true,
	"client_info": true,
}

// Keys masked outside the auth channels.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"api_key":       true,
	"token":         true,
	"refresh_token": true,
	"private_key":   true,
}

// FilterSensitive scrubs credentials from payloads. Auth channels keep the
// password in the clear because the coordinator needs it to hash or verify;
// manager registration additionally drops everything outside the allowlist
// so stray fields cannot ride along. Every other channel gets sensitive
// values masked.
func FilterSensitive(info PublishInfo, env *message.Envelope) *message.Envelope {
	out := clone(env)
	if info.Channel == "auth/register" {
		for k := range out.Data {
			if !authAllowedKeys[k] && !strings.HasPrefix(k, "_") {
				delete(out.Data, k)
			}
		}
		return out
	}
	if strings.HasPrefix(info.Channel, "auth/") {
		return out
	}
	out.Data = maskSensitive(out.Data)
	return out
}

func maskSensitive(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if sensitiveKeys[strings.ToLower(k)] {
			out[k] = Mask
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = maskSensitive(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// StripToken removes the bearer token once authorisation is done, so it is
// never fanned out to subscribers.
func StripToken(_ PublishInfo, env *message.Envelope) *message.Envelope {
	out := clone(env)
	out.Token = ""
	return out
}

// DefaultTransformers is the pipeline every publish runs through.
func DefaultTransformers() Transformer {
	return Chain(InjectMetadata, FilterSensitive, StripToken)
}
