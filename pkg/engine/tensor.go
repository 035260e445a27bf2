package engine

import (
	"k8s.io/examples/AI/modelexec/pkg/compiler"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// Tensor is a caller's handle on one named tensor of a Computation.
type Tensor struct {
	c    *Computation
	decl *compiler.TensorDecl
}

func (t *Tensor) Name() string {
	return t.decl.Name
}

func (t *Tensor) Shape() tensor.Shape {
	return t.decl.Info.Shape.Clone()
}

func (t *Tensor) DType() tensor.DType {
	return t.decl.Info.DType
}

func (t *Tensor) Role() compiler.Role {
	return t.decl.Role
}

// FromHost copies host data into the tensor. Execute overwrites outputs and
// intermediates, so writing them only matters before the first run.
func (t *Tensor) FromHost(a tensor.Array) error {
	return t.c.copyFromHost(t.decl.Name, a)
}

// ToHost copies the tensor's current contents to the host.
func (t *Tensor) ToHost() (tensor.Array, error) {
	return t.c.GetOutput(t.decl.Name)
}
