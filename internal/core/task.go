package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultKind is assigned to tasks that arrive without a kind.
const DefaultKind = "arithmetic"

// DefaultCapabilities is the capability list advertised at registration.
var DefaultCapabilities = []string{"math:basic", "math:advanced", "analytics:vector"}

// Operation selects the computation rule applied to a task.
type Operation uint8

const (
	OpSquare Operation = iota
	OpSqrt
	OpDouble
	OpFactorial
	OpVectorSum
	OpMean
)

var operationNames = map[Operation]string{
	OpSquare:    "square",
	OpSqrt:      "sqrt",
	OpDouble:    "double",
	OpFactorial: "factorial",
	OpVectorSum: "vector_sum",
	OpMean:      "mean",
}

// ParseOperation accepts the coordinator's snake_case names as well as the
// CamelCase variant names some peers emit ("VectorSum").
func ParseOperation(name string) (Operation, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", ""))
	for op, opName := range operationNames {
		if strings.ReplaceAll(opName, "_", "") == normalized {
			return op, nil
		}
	}
	return 0, NewWorkerError(ErrCodeInvalidTask, "unknown operation").
		WithField("operation", name)
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("operation(%d)", uint8(o))
}

// MarshalJSON encodes the operation by name.
func (o Operation) MarshalJSON() ([]byte, error) {
	name, ok := operationNames[o]
	if !ok {
		return nil, fmt.Errorf("unknown operation %d", uint8(o))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes an operation name.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("operation must be a string: %w", err)
	}
	op, err := ParseOperation(name)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// Task is a unit of work assigned by the coordinator. The worker treats ID
// as an opaque correlation token.
type Task struct {
	ID                   string          `json:"id"`
	Operation            Operation       `json:"operation"`
	Input                float64         `json:"input"`
	Price                *int64          `json:"price,omitempty"`
	Kind                 string          `json:"kind"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
}

// DecodeTask parses a task body and applies the wire defaults.
func DecodeTask(data []byte) (*Task, error) {
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, WrapError(ErrCodeInvalidTask, "failed to decode task", err)
	}
	if task.Kind == "" {
		task.Kind = DefaultKind
	}
	if task.RequiredCapabilities == nil {
		task.RequiredCapabilities = []string{}
	}
	return &task, nil
}

// MissingCapabilities returns the required capabilities not present in
// advertised.
func (t *Task) MissingCapabilities(advertised []string) []string {
	have := make(map[string]struct{}, len(advertised))
	for _, c := range advertised {
		have[strings.TrimSpace(c)] = struct{}{}
	}
	var missing []string
	for _, req := range t.RequiredCapabilities {
		req = strings.TrimSpace(req)
		if req == "" {
			continue
		}
		if _, ok := have[req]; !ok {
			missing = append(missing, req)
		}
	}
	return missing
}

// Metadata is the structured annotation attached to a result.
type Metadata map[string]interface{}

// ResultData is the outcome of one task. It is sent unchanged to the
// coordinator and to the gossip topic.
type ResultData struct {
	ID      string   `json:"id"`
	Worker  string   `json:"worker"`
	Output  float64  `json:"output"`
	Kind    *string  `json:"kind,omitempty"`
	Payload Metadata `json:"payload,omitempty"`
}

// NewResult builds the result for a computed task.
func NewResult(task *Task, worker string, output float64, metadata Metadata) ResultData {
	kind := task.Kind
	return ResultData{
		ID:      task.ID,
		Worker:  worker,
		Output:  output,
		Kind:    &kind,
		Payload: metadata,
	}
}

// signingPayload is the canonical triple covered by a signature. Field order
// matters: the coordinator re-marshals the same struct to verify.
type signingPayload struct {
	ID     string  `json:"id"`
	Worker string  `json:"worker"`
	Output float64 `json:"output"`
}

// CanonicalPayload returns the bytes a result signature covers. Kind and
// Payload are excluded.
func (r ResultData) CanonicalPayload() ([]byte, error) {
	return json.Marshal(signingPayload{ID: r.ID, Worker: r.Worker, Output: r.Output})
}

// Registration is the body of POST /register.
type Registration struct {
	WorkerID     string   `json:"worker_id"`
	PubKey       string   `json:"pub_key"`
	Capabilities []string `json:"capabilities"`
}

// Submission is the body of POST /submit_result.
type Submission struct {
	ID        string   `json:"id"`
	Worker    string   `json:"worker"`
	Output    float64  `json:"output"`
	Signature string   `json:"signature"`
	PubKey    string   `json:"pub_key"`
	Kind      *string  `json:"kind,omitempty"`
	Payload   Metadata `json:"payload,omitempty"`
}

// NewSubmission pairs a result with its signature and the signer's key.
func NewSubmission(result ResultData, signatureB64, pubKeyB64 string) Submission {
	return Submission{
		ID:        result.ID,
		Worker:    result.Worker,
		Output:    result.Output,
		Signature: signatureB64,
		PubKey:    pubKeyB64,
		Kind:      result.Kind,
		Payload:   result.Payload,
	}
}

// SignedResult is the gossip message body, a two element JSON array
// [result, signature_base64].
type SignedResult struct {
	Result    ResultData
	Signature string
}

// MarshalJSON encodes the pair as a JSON array.
func (s SignedResult) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{s.Result, s.Signature})
}

// UnmarshalJSON decodes a [result, signature] array.
func (s *SignedResult) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 2 {
		return fmt.Errorf("signed result: expected 2 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &s.Result); err != nil {
		return fmt.Errorf("signed result: %w", err)
	}
	if err := json.Unmarshal(parts[1], &s.Signature); err != nil {
		return fmt.Errorf("signed result signature: %w", err)
	}
	return nil
}

// EncodeSignedResult serializes a result and its signature for gossip.
func EncodeSignedResult(result ResultData, signatureB64 string) ([]byte, error) {
	data, err := json.Marshal(SignedResult{Result: result, Signature: signatureB64})
	if err != nil {
		return nil, WrapError(ErrCodeGossipPayload, "failed to encode signed result", err).
			WithField("task_id", result.ID)
	}
	return data, nil
}

// DecodeSignedResult parses a gossip message body.
func DecodeSignedResult(data []byte) (SignedResult, error) {
	var signed SignedResult
	if err := json.Unmarshal(data, &signed); err != nil {
		return SignedResult{}, WrapError(ErrCodeGossipPayload, "failed to decode signed result", err)
	}
	return signed, nil
}
