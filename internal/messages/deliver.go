package messages

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DeliverJobMessage is published by the Job Lifecycle Engine once a
// job's callback transaction commits with status=done and a chat_id
// set. The Delivery Coordinator's stream consumer picks it up and
// attempts the side-effecting send.
type DeliverJobMessage struct {
	JobID string `json:"job_id"`
}

func (m *DeliverJobMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal deliver job message: %w", err)
	}
	return data, nil
}

func FromJSONDeliverJob(data []byte) (*DeliverJobMessage, error) {
	msg := &DeliverJobMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("unmarshal deliver job message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (m *DeliverJobMessage) Validate() error {
	if m.JobID == "" {
		return errors.New("job_id is required")
	}
	return nil
}
