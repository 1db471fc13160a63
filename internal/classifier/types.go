package classifier

import "encoding/json"

// ParseRequest is the body posted to the Rasa REST channel.
type ParseRequest struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// Message is one bot reply from the REST channel. Fields not explicitly
// modeled (buttons, image, custom payloads) are preserved in Extra so that
// replies are forwarded to the chat client untouched. A reply without text
// (image or buttons only) is encoded without a text field.
type Message struct {
	RecipientID string                     `json:"recipient_id,omitempty"`
	Text        string                     `json:"text,omitempty"`
	Extra       map[string]json.RawMessage `json:"-"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+2)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.RecipientID != "" {
		b, _ := json.Marshal(m.RecipientID)
		out["recipient_id"] = b
	}
	if m.Text != "" {
		b, _ := json.Marshal(m.Text)
		out["text"] = b
	}
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	// Only non-empty strings are lifted into fields; anything else ("" or
	// null) stays in Extra and is written back as received.
	for key, dst := range map[string]*string{"recipient_id": &m.RecipientID, "text": &m.Text} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		var str string
		if json.Unmarshal(v, &str) == nil && str != "" {
			*dst = str
			delete(raw, key)
		}
	}
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// Version is the subset of Rasa's /version response used for readiness checks.
type Version struct {
	Version                  string `json:"version"`
	MinimumCompatibleVersion string `json:"minimum_compatible_version,omitempty"`
}
