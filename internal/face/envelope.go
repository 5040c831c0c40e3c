package face

import (
	"encoding/json"
	"fmt"
)

// Envelope is the JSON form of a Message used by the event stream and the
// audit log.
type Envelope struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Encode converts msg into its JSON envelope.
func Encode(msg Message) (Envelope, error) {
	env := Envelope{Type: msg.Type().String(), Data: map[string]any{}}
	switch m := msg.(type) {
	case ErrorMsg:
		env.Data["code"] = int(m.Code)
		env.Data["name"] = m.Code.String()
	case AcquiredMsg:
		env.Data["info"] = int(m.Info)
	case EnrollMsg:
		env.Data["fid"] = m.Fid
	case RemovedMsg:
		env.Data["fid"] = m.Fid
		env.Data["remaining"] = m.Remaining
	case AuthenticatedMsg:
		env.Data["fid"] = m.Fid
		env.Data["hat"] = m.Token
	case EnumeratedMsg:
		env.Data["fid"] = m.Fid
		env.Data["remaining"] = m.Remaining
	case LockoutChangedMsg:
		if m.Duration == LockoutPermanentDuration {
			env.Data["permanent"] = true
		} else {
			env.Data["duration_ms"] = m.Duration.Milliseconds()
		}
	case EnrollProcessedMsg:
		env.Data["addr"] = int64(m.Frame)
		env.Data["remaining"] = m.Remaining
	case AuthenticateProcessedMsg:
		env.Data["main"] = int64(m.Main)
		env.Data["sub"] = int64(m.Sub)
	default:
		return Envelope{}, fmt.Errorf("face: unknown message %T", msg)
	}
	return env, nil
}

// MarshalMessage encodes msg as JSON.
func MarshalMessage(msg Message) ([]byte, error) {
	env, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
