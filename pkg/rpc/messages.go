package rpc

import (
	"k8s.io/examples/AI/modelexec/pkg/target"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// TensorData carries a host array; Data is the little-endian encoding.
type TensorData struct {
	Name  string       `json:"name"`
	DType tensor.DType `json:"dtype"`
	Shape []int        `json:"shape"`
	Data  []byte       `json:"data"`
}

func NewTensorData(name string, a tensor.Array) *TensorData {
	return &TensorData{Name: name, DType: a.DType(), Shape: a.Shape(), Data: a.Bytes()}
}

func (t *TensorData) Array() (tensor.Array, error) {
	return tensor.FromBytes(t.DType, t.Shape, t.Data)
}

// TensorInfo describes a tensor without its data.
type TensorInfo struct {
	Name  string       `json:"name"`
	DType tensor.DType `json:"dtype"`
	Shape []int        `json:"shape"`
}

type TargetSpec struct {
	Kind          string `json:"kind"`
	DeviceID      int    `json:"deviceID,omitempty"`
	NumThreads    int    `json:"numThreads,omitempty"`
	MemoryLimit   int64  `json:"memoryLimit,omitempty"`
	CheckNumerics bool   `json:"checkNumerics,omitempty"`
}

func (s *TargetSpec) Target() (target.Target, error) {
	kind, err := target.ParseKind(s.Kind)
	if err != nil {
		return target.Target{}, err
	}
	opts := []target.Option{target.WithDeviceID(s.DeviceID), target.WithNumericChecks(s.CheckNumerics)}
	if s.NumThreads != 0 {
		opts = append(opts, target.WithNumThreads(s.NumThreads))
	}
	if s.MemoryLimit != 0 {
		opts = append(opts, target.WithMemoryLimit(s.MemoryLimit))
	}
	return target.New(kind, opts...)
}

type InputBinding struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

type CompileRequest struct {
	// Model names a model directory under the server's model root.
	Model          string         `json:"model"`
	ParamsCombined bool           `json:"paramsCombined,omitempty"`
	Inputs         []InputBinding `json:"inputs,omitempty"`
	Target         TargetSpec     `json:"target"`
	Fetch          []string       `json:"fetch,omitempty"`
	DisableFusion  bool           `json:"disableFusion,omitempty"`
}

type CompileResponse struct {
	ComputationID string        `json:"computationID"`
	Target        string        `json:"target"`
	Inputs        []*TensorInfo `json:"inputs"`
	Outputs       []*TensorInfo `json:"outputs"`
}

type ExecuteRequest struct {
	ComputationID string        `json:"computationID"`
	Inputs        []*TensorData `json:"inputs"`
	// Fetch defaults to the model outputs.
	Fetch []string `json:"fetch,omitempty"`
}

type ExecuteResponse struct {
	Results []*TensorData `json:"results"`
}

type ReleaseRequest struct {
	ComputationID string `json:"computationID"`
}

type ReleaseResponse struct{}
