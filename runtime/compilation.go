// Package runtime compiles finished models into executable graphs and runs
// them.
//
// Example usage:
//
//	c, err := runtime.NewCompilation(model, runtime.WithCaching(dir, token))
//	if err != nil { ... }
//	if err := c.Finish(ctx); err != nil { ... }
//
//	e, err := runtime.NewExecution(c)
//	if err != nil { ... }
//	_ = e.SetInput(0, input)
//	_ = e.SetOutput(0, output)
//	err = e.Compute(ctx)
package runtime

import (
	"bytes"
	"context"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/go-nnapi/cache"
	"github.com/gomlx/go-nnapi/codec"
	"github.com/gomlx/go-nnapi/convert"
	"github.com/gomlx/go-nnapi/device"
	"github.com/gomlx/go-nnapi/graph"
	"github.com/gomlx/go-nnapi/nn"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Compilation turns a finished model into an executable graph.
type Compilation struct {
	model      *nn.Model
	device     *device.Device
	preference nn.Preference
	store      cache.Store
	token      cache.Token
	optErr     error // first invalid option

	mu         sync.Mutex
	finished   bool
	fromCache  bool
	graph      *graph.Graph
	serialized []byte
	inputs     []nn.OperandType
	outputs    []nn.OperandType
}

// Option configures a compilation.
type Option func(*Compilation)

// WithDevices selects the device to compile for. Exactly one device must be given.
func WithDevices(devices ...*device.Device) Option {
	return func(c *Compilation) {
		if len(devices) != 1 {
			c.setOptErr(errors.Wrapf(nn.ErrBadData, "exactly one device is supported, got %d", len(devices)))
			return
		}
		if devices[0] == nil {
			c.setOptErr(errors.Wrap(nn.ErrUnexpectedNull, "nil device"))
			return
		}
		c.device = devices[0]
	}
}

// WithCaching caches the compiled graph in dir under token.
func WithCaching(dir string, token cache.Token) Option {
	return func(c *Compilation) {
		if dir == "" {
			c.setOptErr(errors.Wrap(nn.ErrUnexpectedNull, "empty cache directory"))
			return
		}
		c.store = &cache.DirStore{Dir: dir}
		c.token = token
	}
}

// WithStore caches the compiled graph in store under token.
func WithStore(store cache.Store, token cache.Token) Option {
	return func(c *Compilation) {
		if store == nil {
			c.setOptErr(errors.Wrap(nn.ErrUnexpectedNull, "nil cache store"))
			return
		}
		c.store = store
		c.token = token
	}
}

// WithPreference sets the execution preference. The reference device runs the
// same way under every preference.
func WithPreference(p nn.Preference) Option {
	return func(c *Compilation) {
		if !p.IsValid() {
			c.setOptErr(errors.Wrapf(nn.ErrBadData, "invalid preference %s", p))
			return
		}
		c.preference = p
	}
}

func (c *Compilation) setOptErr(err error) {
	if c.optErr == nil {
		c.optErr = err
	}
}

func newCompilation(model *nn.Model, opts []Option) (*Compilation, error) {
	c := &Compilation{
		model:      model,
		device:     device.Default(),
		preference: nn.PreferFastSingleAnswer,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.optErr != nil {
		return nil, c.optErr
	}
	return c, nil
}

// NewCompilation creates a compilation of a finished model.
func NewCompilation(model *nn.Model, opts ...Option) (*Compilation, error) {
	if model == nil {
		return nil, errors.Wrap(nn.ErrUnexpectedNull, "nil model")
	}
	if !model.IsFinished() {
		return nil, errors.Wrap(nn.ErrBadState, "model is not finished")
	}
	return newCompilation(model, opts)
}

// NewCompilationFromBinary creates a finished compilation from the output of
// Serialize. The identified operand types are derived from the graph, so
// scalar operands come back as rank 1 tensors of one element.
func NewCompilationFromBinary(data []byte, opts ...Option) (*Compilation, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(nn.ErrUnexpectedNull, "empty compilation")
	}
	c, err := newCompilation(nil, opts)
	if err != nil {
		return nil, err
	}
	data = bytes.Clone(data)
	g, err := codec.Unmarshal(data)
	if err != nil {
		return nil, errors.Wrapf(nn.ErrBadData, "decoding compilation: %v", err)
	}
	if c.inputs, err = operandTypes(g.InputNodes()); err != nil {
		return nil, err
	}
	if c.outputs, err = operandTypes(g.OutputNodes()); err != nil {
		return nil, err
	}
	c.graph = g
	c.serialized = data
	c.finished = true
	klog.V(1).Infof("runtime: loaded compilation of graph %q (%s) from %s", g.Name, g.ID, humanize.Bytes(uint64(len(data))))
	return c, nil
}

// operandTypes returns the operand types matching the given graph nodes.
func operandTypes(nodes []*graph.Node) ([]nn.OperandType, error) {
	types := make([]nn.OperandType, len(nodes))
	for i, n := range nodes {
		dims := make([]uint32, len(n.Shape))
		for j, d := range n.Shape {
			dims[j] = uint32(d)
		}
		var code nn.OperandCode
		switch n.DType {
		case graph.F32:
			code = nn.TensorFloat32
		case graph.I32:
			code = nn.TensorInt32
		case graph.U8:
			code = nn.TensorBool8
		case graph.U32:
			if n.ByteSize() != n.DType.Size() {
				return nil, errors.Wrapf(nn.ErrBadData, "graph node %s: unsigned tensors are not supported", n)
			}
			code, dims = nn.Uint32, nil
		default:
			return nil, errors.Wrapf(nn.ErrBadData, "graph node %s has invalid dtype", n)
		}
		types[i] = nn.OperandType{Code: code, Dimensions: dims}
	}
	return types, nil
}

// Finish compiles the model. It fails with nn.ErrBadState if called twice.
//
// Memory-backed constants are first copied to host, all of them concurrently.
// Then, if a cache was configured and holds an entry for the token, the cached
// graph is used and conversion is skipped. Otherwise the model is converted
// and the result saved to the cache.
func (c *Compilation) Finish(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return errors.Wrap(nn.ErrBadState, "compilation already finished")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(nn.ErrOpFailed, err.Error())
	}
	log := klog.FromContext(ctx)

	copied, err := copyDeviceConstants(ctx, c.model)
	if err != nil {
		return err
	}

	if c.store != nil {
		c.graph, c.serialized = c.load(ctx)
		c.fromCache = c.graph != nil
	}
	if c.graph == nil {
		g, err := convert.Convert(ctx, c.model, convert.NewResolver(c.model, copied))
		if err != nil {
			return err
		}
		c.graph = g
		if c.store != nil {
			c.save(ctx)
		}
	}

	c.inputs = modelTypes(c.model, c.model.Inputs())
	c.outputs = modelTypes(c.model, c.model.Outputs())
	c.finished = true
	log.V(1).Info("compilation finished", "graph", c.graph.ID, "device", c.device.Name,
		"preference", c.preference, "fromCache", c.fromCache)
	return nil
}

func modelTypes(model *nn.Model, indices []uint32) []nn.OperandType {
	types := make([]nn.OperandType, len(indices))
	for i, idx := range indices {
		types[i] = model.Operand(idx).Clone()
	}
	return types
}

// copyDeviceConstants reads every memory-backed constant of model, returning
// them by operand index.
func copyDeviceConstants(ctx context.Context, model *nn.Model) (map[uint32][]byte, error) {
	indices := model.DeviceConstants()
	if len(indices) == 0 {
		return nil, nil
	}
	values := make([][]byte, len(indices))
	g, gctx := errgroup.WithContext(ctx)
	for i, idx := range indices {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return errors.Wrap(nn.ErrOpFailed, err.Error())
			}
			dc, _ := model.DeviceConstant(idx)
			buf := make([]byte, dc.Length)
			n, err := dc.Memory.ReadAt(buf, dc.Offset)
			if n < dc.Length {
				return errors.Wrapf(nn.ErrBadData, "copying constant operand %d: read %d of %d bytes: %v", idx, n, dc.Length, err)
			}
			values[i] = buf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	copied := make(map[uint32][]byte, len(indices))
	for i, idx := range indices {
		copied[idx] = values[i]
	}
	klog.FromContext(ctx).V(2).Info("copied device constants", "count", len(indices))
	return copied, nil
}

// load returns the cached graph, or nil if there is no usable entry. Cache
// failures are logged and otherwise ignored.
func (c *Compilation) load(ctx context.Context) (*graph.Graph, []byte) {
	log := klog.FromContext(ctx)
	data, err := c.store.Load(ctx, c.token)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Error(err, "loading compilation from cache", "token", c.token.Filename())
		}
		return nil, nil
	}
	g, err := codec.Unmarshal(data)
	if err != nil {
		log.Error(err, "ignoring invalid cache entry", "token", c.token.Filename())
		return nil, nil
	}
	if err := c.checkSignature(g); err != nil {
		log.Error(err, "ignoring stale cache entry", "token", c.token.Filename())
		return nil, nil
	}
	log.V(1).Info("using cached compilation", "graph", g.ID, "size", humanize.Bytes(uint64(len(data))))
	return g, data
}

// checkSignature verifies the inputs and outputs of g match the model's.
func (c *Compilation) checkSignature(g *graph.Graph) error {
	check := func(what string, nodes []*graph.Node, indices []uint32) error {
		if len(nodes) != len(indices) {
			return errors.Errorf("graph has %d %s, model has %d", len(nodes), what, len(indices))
		}
		for i, n := range nodes {
			if want := c.model.Operand(indices[i]).ByteSize(); n.ByteSize() != want {
				return errors.Errorf("%s #%d has %d bytes, model operand has %d", what, i, n.ByteSize(), want)
			}
		}
		return nil
	}
	if err := check("inputs", g.InputNodes(), c.model.Inputs()); err != nil {
		return err
	}
	return check("outputs", g.OutputNodes(), c.model.Outputs())
}

// save stores the compiled graph in the cache. Failures are logged only, the
// compilation is still usable.
func (c *Compilation) save(ctx context.Context) {
	log := klog.FromContext(ctx)
	data, err := codec.Marshal(c.graph)
	if err != nil {
		log.Error(err, "serializing compilation for the cache")
		return
	}
	c.serialized = data
	if err := c.store.Save(ctx, c.token, data); err != nil {
		log.Error(err, "saving compilation to cache", "token", c.token.Filename())
	}
}

// Serialize returns the compiled graph as bytes, suitable for
// NewCompilationFromBinary.
func (c *Compilation) Serialize() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished {
		return nil, errors.Wrap(nn.ErrBadState, "compilation is not finished")
	}
	if c.serialized == nil {
		data, err := codec.Marshal(c.graph)
		if err != nil {
			return nil, errors.Wrap(nn.ErrOpFailed, err.Error())
		}
		c.serialized = data
	}
	return bytes.Clone(c.serialized), nil
}

// FromCache returns whether Finish used a cached graph instead of converting
// the model.
func (c *Compilation) FromCache() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fromCache
}

// Device returns the device the compilation targets.
func (c *Compilation) Device() *device.Device {
	return c.device
}

// Preference returns the execution preference.
func (c *Compilation) Preference() nn.Preference {
	return c.preference
}

// Graph returns the compiled graph, or nil before Finish.
func (c *Compilation) Graph() *graph.Graph {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graph
}

// IdentifiedInputs returns the types of the model inputs, in order.
func (c *Compilation) IdentifiedInputs() ([]nn.OperandType, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished {
		return nil, errors.Wrap(nn.ErrBadState, "compilation is not finished")
	}
	return cloneTypes(c.inputs), nil
}

// IdentifiedOutputs returns the types of the model outputs, in order.
func (c *Compilation) IdentifiedOutputs() ([]nn.OperandType, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished {
		return nil, errors.Wrap(nn.ErrBadState, "compilation is not finished")
	}
	return cloneTypes(c.outputs), nil
}

func cloneTypes(types []nn.OperandType) []nn.OperandType {
	out := make([]nn.OperandType, len(types))
	for i, t := range types {
		out[i] = t.Clone()
	}
	return out
}
