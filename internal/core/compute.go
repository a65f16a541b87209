package core

import (
	"encoding/json"
	"math"
)

// Compute runs a task's operation. It never fails: payloads that cannot be
// used fall back to task.Input with a warning in the metadata. The same task
// always yields the same output and metadata.
func Compute(task *Task) (float64, Metadata) {
	switch task.Operation {
	case OpSquare:
		return task.Input * task.Input, nil
	case OpSqrt:
		// Negative inputs produce NaN; callers decide what to do with it.
		return math.Sqrt(task.Input), nil
	case OpDouble:
		return task.Input * 2, nil
	case OpFactorial:
		return factorial(task.Input)
	case OpVectorSum:
		return vectorSum(task)
	case OpMean:
		return mean(task)
	default:
		return task.Input, Metadata{"warning": "unsupported operation " + task.Operation.String()}
	}
}

func factorialN(input float64) uint64 {
	switch {
	case math.IsNaN(input) || input < 0:
		return 0
	case input >= math.MaxUint64:
		return math.MaxUint64
	default:
		return uint64(math.Floor(input))
	}
}

func factorial(input float64) (float64, Metadata) {
	n := factorialN(input)
	acc := 1.0
	for i := uint64(2); i <= n; i++ {
		acc *= float64(i)
		if math.IsInf(acc, 1) {
			// Saturated; further factors cannot change the result.
			break
		}
		if i == math.MaxUint64 {
			break
		}
	}
	return acc, Metadata{"n": n}
}

// payloadValues extracts the numeric entries of payload.values. ok is false
// when values is absent or not an array. Non-numeric entries are skipped.
func payloadValues(payload json.RawMessage) (values []float64, ok bool) {
	if len(payload) == 0 {
		return nil, false
	}
	var body map[string]interface{}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, false
	}
	raw, isArray := body["values"].([]interface{})
	if !isArray {
		return nil, false
	}
	values = make([]float64, 0, len(raw))
	for _, v := range raw {
		if f, isNum := v.(float64); isNum {
			values = append(values, f)
		}
	}
	return values, true
}

func vectorSum(task *Task) (float64, Metadata) {
	values, ok := payloadValues(task.Payload)
	if !ok {
		return task.Input, Metadata{"warning": "vector_sum payload missing"}
	}
	if len(values) == 0 {
		return task.Input, Metadata{"warning": "vector_sum payload missing numeric values"}
	}

	sum := 0.0
	minV := math.Inf(1)
	maxV := math.Inf(-1)
	for _, v := range values {
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	count := uint64(len(values))
	return sum, Metadata{
		"count":   count,
		"min":     minV,
		"max":     maxV,
		"average": sum / float64(count),
	}
}

func mean(task *Task) (float64, Metadata) {
	values, ok := payloadValues(task.Payload)
	if !ok {
		return task.Input, Metadata{"warning": "mean payload missing"}
	}
	if len(values) == 0 {
		return task.Input, Metadata{"warning": "mean payload missing numeric values"}
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	count := uint64(len(values))
	return sum / float64(count), Metadata{"count": count}
}
