package rpc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexec/pkg/blobs"
	"k8s.io/examples/AI/modelexec/pkg/compiler"
	"k8s.io/examples/AI/modelexec/pkg/engine"
	"k8s.io/examples/AI/modelexec/pkg/errdefs"
	"k8s.io/examples/AI/modelexec/pkg/frontend"
	"k8s.io/examples/AI/modelexec/pkg/model"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// Server keeps compiled computations by id between calls.
type Server struct {
	models *blobs.LocalDir

	// upstream fills in models missing from the local model root; may be nil.
	upstream blobs.BlobReader

	executions *semaphore.Weighted

	mutex    sync.Mutex
	sessions map[string]*session
	// fetches serialises downloads of the same model.
	fetches map[string]*fetch
}

// fetch is dropped from Server.fetches once nobody waits on it.
type fetch struct {
	mutex   sync.Mutex
	waiters int
}

type session struct {
	mutex       sync.Mutex
	computation *engine.Computation
}

var _ ExecutorServer = (*Server)(nil)

// NewServer serves models from modelRoot, running at most maxExecutions at once.
func NewServer(modelRoot string, upstream blobs.BlobReader, maxExecutions int64) *Server {
	return &Server{
		models:     &blobs.LocalDir{BaseDir: modelRoot},
		upstream:   upstream,
		executions: semaphore.NewWeighted(max(maxExecutions, 1)),
		sessions:   make(map[string]*session),
		fetches:    make(map[string]*fetch),
	}
}

func (s *Server) Compile(ctx context.Context, req *CompileRequest) (*CompileResponse, error) {
	log := klog.FromContext(ctx)

	t, err := req.Target.Target()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid target: %v", err)
	}
	dir, err := s.modelDir(ctx, req.Model, req.ParamsCombined)
	if err != nil {
		return nil, toStatus(err)
	}

	names := make([]string, len(req.Inputs))
	shapes := make([][]int, len(req.Inputs))
	for i, in := range req.Inputs {
		names[i] = in.Name
		shapes[i] = in.Shape
	}
	var opts []compiler.Option
	if len(req.Fetch) != 0 {
		opts = append(opts, compiler.WithFetch(req.Fetch...))
	}
	if req.DisableFusion {
		opts = append(opts, compiler.WithoutFusion())
	}

	c, err := frontend.CompileModel(ctx, t, dir, names, shapes, req.ParamsCombined, opts...)
	if err != nil {
		return nil, toStatus(err)
	}

	s.mutex.Lock()
	s.sessions[c.ID()] = &session{computation: c}
	s.mutex.Unlock()

	log.Info("compiled model", "model", req.Model, "target", t.String(), "computation", c.ID())

	resp := &CompileResponse{ComputationID: c.ID(), Target: t.String()}
	for _, handle := range c.Tensors() {
		info := &TensorInfo{Name: handle.Name(), DType: handle.DType(), Shape: handle.Shape()}
		if handle.Role() == compiler.RoleInput {
			resp.Inputs = append(resp.Inputs, info)
		} else {
			resp.Outputs = append(resp.Outputs, info)
		}
	}
	return resp, nil
}

// modelDir returns the local directory of a model, fetching it from upstream if needed.
func (s *Server) modelDir(ctx context.Context, name string, paramsCombined bool) (string, error) {
	dir, err := s.models.Path(name)
	if err != nil {
		return "", status.Errorf(codes.InvalidArgument, "%v", err)
	}
	if s.upstream == nil {
		return dir, nil
	}

	unlock := s.lockFetch(name)
	defer unlock()

	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}
	if err := model.Fetch(ctx, s.upstream, name, dir, paramsCombined); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			klog.FromContext(ctx).Error(rmErr, "removing partially fetched model", "dir", dir)
		}
		return "", fmt.Errorf("fetching model %q: %w", name, err)
	}
	return dir, nil
}

func (s *Server) lockFetch(name string) func() {
	s.mutex.Lock()
	f := s.fetches[name]
	if f == nil {
		f = &fetch{}
		s.fetches[name] = f
	}
	f.waiters++
	s.mutex.Unlock()

	f.mutex.Lock()
	return func() {
		f.mutex.Unlock()

		s.mutex.Lock()
		defer s.mutex.Unlock()
		f.waiters--
		if f.waiters == 0 {
			delete(s.fetches, name)
		}
	}
}

func (s *Server) session(id string) (*session, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	sess := s.sessions[id]
	if sess == nil {
		return nil, status.Errorf(codes.NotFound, "computation %q not found", id)
	}
	return sess, nil
}

func (s *Server) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	sess, err := s.session(req.ComputationID)
	if err != nil {
		return nil, err
	}

	inputs := make(map[string]tensor.Array, len(req.Inputs))
	for _, in := range req.Inputs {
		a, err := in.Array()
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "input %q: %v", in.Name, err)
		}
		inputs[in.Name] = a
	}

	if err := s.executions.Acquire(ctx, 1); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	defer s.executions.Release(1)

	sess.mutex.Lock()
	defer sess.mutex.Unlock()

	results, err := engine.Run(ctx, sess.computation, inputs, req.Fetch)
	if err != nil {
		return nil, toStatus(err)
	}

	names := req.Fetch
	if len(names) == 0 {
		names = sess.computation.Plan().Outputs
	}
	resp := &ExecuteResponse{}
	for _, name := range names {
		resp.Results = append(resp.Results, NewTensorData(name, results[name]))
	}
	return resp, nil
}

func (s *Server) Release(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error) {
	s.mutex.Lock()
	sess := s.sessions[req.ComputationID]
	delete(s.sessions, req.ComputationID)
	s.mutex.Unlock()

	if sess == nil {
		return nil, status.Errorf(codes.NotFound, "computation %q not found", req.ComputationID)
	}

	sess.mutex.Lock()
	defer sess.mutex.Unlock()
	if err := sess.computation.Close(); err != nil {
		return nil, toStatus(err)
	}
	klog.FromContext(ctx).Info("released computation", "computation", req.ComputationID)
	return &ReleaseResponse{}, nil
}

// Close releases every computation.
func (s *Server) Close() error {
	s.mutex.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mutex.Unlock()

	var errs []error
	for id, sess := range sessions {
		sess.mutex.Lock()
		if err := sess.computation.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing computation %s: %w", id, err))
		}
		sess.mutex.Unlock()
	}
	return errors.Join(errs...)
}

// toStatus maps engine errors to gRPC status codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}

	var (
		parseErr       *errdefs.ParseError
		shapeErr       *errdefs.ShapeMismatchError
		dtypeErr       *errdefs.DTypeMismatchError
		cycleErr       *errdefs.CyclicGraphError
		unsupportedErr *errdefs.UnsupportedOpError
		unknownErr     *errdefs.UnknownTensorError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, errdefs.ErrOutOfMemory):
		return status.Errorf(codes.ResourceExhausted, "%v", err)
	case errors.Is(err, errdefs.ErrBusy):
		return status.Errorf(codes.Unavailable, "%v", err)
	case errors.Is(err, errdefs.ErrClosed):
		return status.Errorf(codes.FailedPrecondition, "%v", err)
	case errors.Is(err, os.ErrNotExist):
		return status.Errorf(codes.NotFound, "%v", err)
	case errors.As(err, &parseErr),
		errors.As(err, &shapeErr),
		errors.As(err, &dtypeErr),
		errors.As(err, &cycleErr),
		errors.As(err, &unsupportedErr),
		errors.As(err, &unknownErr):
		return status.Errorf(codes.InvalidArgument, "%v", err)
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}
