package store

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Serializer is the pluggable {serialize, deserialize} collaborator named
// in the core's external interfaces. The engine ships one implementation,
// JSON, matching spec's stated default; callers may supply their own.
type Serializer interface {
	Serialize(payload []byte, metadata map[string]interface{}) ([]byte, error)
	Deserialize(data []byte) (payload []byte, metadata map[string]interface{}, err error)
}

// envelope is the on-the-wire shape written to a partition: the caller's
// raw payload alongside the commit metadata the coordinator attaches.
type envelope struct {
	Payload  []byte                 `json:"payload"`
	Metadata map[string]interface{} `json:"metadata"`
}

// JSONSerializer is the default Serializer.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(payload []byte, metadata map[string]interface{}) ([]byte, error) {
	env := envelope{Payload: payload, Metadata: metadata}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize event")
	}
	return b, nil
}

func (JSONSerializer) Deserialize(data []byte) ([]byte, map[string]interface{}, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, errors.Wrap(err, "failed to deserialize event")
	}
	return env.Payload, env.Metadata, nil
}
