package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cgf/raceserver/internal/model"
)

// ErrBadPayload is returned when a decoded JSON object is not a valid
// inbound envelope: exactly the three keys type/payload/visibility,
// type a string, visibility one of the four literals.
var ErrBadPayload = errors.New("protocol: bad payload")

// DecodeMessage parses one frame's raw bytes into a validated
// model.Message with a server-assigned ts. It is the MessageValidator
// component: schema-only, with no knowledge of scope semantics.
func DecodeMessage(raw []byte) (model.Message, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return model.Message{}, fmt.Errorf("%w: invalid json: %v", ErrBadPayload, err)
	}
	if len(obj) != 3 {
		return model.Message{}, fmt.Errorf("%w: expected exactly type/payload/visibility", ErrBadPayload)
	}
	typ, ok := obj["type"].(string)
	if !ok {
		return model.Message{}, fmt.Errorf("%w: type must be a string", ErrBadPayload)
	}
	visRaw, ok := obj["visibility"].(string)
	if !ok {
		return model.Message{}, fmt.Errorf("%w: visibility must be a string", ErrBadPayload)
	}
	vis := model.Visibility(visRaw)
	if !vis.Valid() {
		return model.Message{}, fmt.Errorf("%w: invalid visibility %q", ErrBadPayload, visRaw)
	}
	payload, ok := obj["payload"].(map[string]any)
	if !ok {
		return model.Message{}, fmt.Errorf("%w: payload must be an object", ErrBadPayload)
	}

	return model.Message{
		Type:       typ,
		Payload:    payload,
		Visibility: vis,
		TS:         float64(time.Now().Unix()),
	}, nil
}
