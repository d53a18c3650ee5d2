package api

import "github.com/samcharles93/kvdecode/internal/decoder"

// TensorPayload is a dense row-major tensor on the wire. Values are always
// float32 in JSON and are narrowed to the request dtype on arrival.
type TensorPayload struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

type DecodeRequest struct {
	// DType is f32, f16 or bf16; empty means f32.
	DType          string   `json:"dtype,omitempty"`
	GroupsPerBlock int      `json:"groups_per_block,omitempty"`
	Scale          *float32 `json:"scale,omitempty"`

	Query        TensorPayload `json:"query"`
	KeyCache     TensorPayload `json:"key_cache"`
	ValueCache   TensorPayload `json:"value_cache"`
	ValidLengths []int32       `json:"valid_lengths"`

	ReturnWeights bool `json:"return_weights,omitempty"`
	// Store keeps the result retrievable by id. Defaults to true.
	Store *bool `json:"store,omitempty"`
}

type DecodeStats struct {
	Kernel             string `json:"kernel"`
	Blocks             int    `json:"blocks"`
	GroupsPerBlock     int    `json:"groups_per_block"`
	Barriers           int    `json:"barriers"`
	SharedMemoryBytes  int    `json:"shared_memory_bytes"`
	SharedMemoryRaised bool   `json:"shared_memory_raised"`
	Multiquery         bool   `json:"multiquery"`
	DurationMicros     int64  `json:"duration_us"`
}

type DecodeResponse struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created_at"`
	DType   string        `json:"dtype"`
	Scale   float32       `json:"scale"`
	Output  TensorPayload `json:"output"`
	// Weights[b][h] are the softmax weights over the valid range.
	Weights [][][]float32 `json:"weights,omitempty"`
	Stats   DecodeStats   `json:"stats"`
}

type DeleteDecodeResp struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type DeviceInfo struct {
	Name                string   `json:"name"`
	Workers             int      `json:"workers"`
	SharedMemoryDefault int      `json:"shared_memory_default"`
	SharedMemoryLimit   int      `json:"shared_memory_limit"`
	Features            []string `json:"features,omitempty"`
}

type KernelList struct {
	Object string               `json:"object"`
	Device DeviceInfo           `json:"device"`
	Data   []decoder.KernelInfo `json:"data"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}
