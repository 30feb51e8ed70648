package relaymail

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Notification is a decoded push delivery. Both Account and HistoryID may be
// empty when the provider omitted them.
type Notification struct {
	Account       string
	HistoryID     string
	PushMessageID string
	Raw           []byte
}

const envelopeSchemaURL = "https://relaymail.local/schema/push-envelope.json"

const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": {
      "type": "object",
      "required": ["data"],
      "properties": {
        "data": {"type": "string"},
        "messageId": {"type": "string"},
        "message_id": {"type": "string"},
        "publishTime": {"type": "string"},
        "attributes": {"type": "object"}
      }
    },
    "subscription": {"type": "string"}
  }
}`

var (
	envelopeSchemaOnce sync.Once
	envelopeSchemaErr  error
	compiledEnvelope   *jsonschema.Schema
)

func envelopeValidator() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
		if err != nil {
			envelopeSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(envelopeSchemaURL, doc); err != nil {
			envelopeSchemaErr = err
			return
		}
		compiledEnvelope, envelopeSchemaErr = c.Compile(envelopeSchemaURL)
	})
	return compiledEnvelope, envelopeSchemaErr
}

type pushEnvelope struct {
	Message struct {
		Data         string `json:"data"`
		MessageID    string `json:"messageId"`
		AltMessageID string `json:"message_id"`
	} `json:"message"`
}

type pushPayload struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// DecodeEnvelope unwraps {"message":{"data":"<base64 json>"}}. Every failure
// wraps ErrMalformedEnvelope.
func DecodeEnvelope(body []byte) (Notification, error) {
	validator, err := envelopeValidator()
	if err != nil {
		return Notification{}, fmt.Errorf("compile envelope schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := validator.Validate(inst); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	decoded, err := decodeBase64(env.Message.Data)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: message.data is not base64: %v", ErrMalformedEnvelope, err)
	}
	var payload pushPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return Notification{}, fmt.Errorf("%w: message.data is not json: %v", ErrMalformedEnvelope, err)
	}
	historyID, err := historyIDString(payload.HistoryID)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	pushID := env.Message.MessageID
	if pushID == "" {
		pushID = env.Message.AltMessageID
	}
	return Notification{
		Account:       strings.TrimSpace(payload.EmailAddress),
		HistoryID:     historyID,
		PushMessageID: pushID,
		Raw:           append([]byte(nil), body...),
	}, nil
}

func decodeBase64(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	var firstErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		out, err := enc.DecodeString(data)
		if err == nil {
			return out, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// historyIDString accepts the id as a JSON string or number.
func historyIDString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("historyId: %v", err)
	}
	if _, err := strconv.ParseUint(n.String(), 10, 64); err != nil {
		return "", fmt.Errorf("historyId %s is not an unsigned integer", n)
	}
	return n.String(), nil
}
