package runtime

import (
	"context"
	"io"
	"slices"
	"sync"

	"github.com/gomlx/go-nnapi/graph"
	"github.com/gomlx/go-nnapi/memory"
	"github.com/gomlx/go-nnapi/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Execution binds inputs and outputs of a finished compilation and runs it.
// An execution can be computed several times; bindings persist between runs.
type Execution struct {
	c *Compilation

	mu      sync.Mutex
	inputs  []inputBinding
	outputs []outputBinding
	running bool
}

type inputBinding struct {
	data []byte
	mem  io.ReaderAt // read at compute time, when data is nil
	set  bool
}

type outputBinding struct {
	buf []byte
	mem io.WriterAt // written after compute, when buf is nil
	set bool
}

// Event signals the completion of an asynchronous computation.
type Event struct {
	done chan struct{}
	err  error
}

// Wait blocks until the computation completes and returns its error.
func (e *Event) Wait() error {
	<-e.done
	return e.err
}

// NewExecution creates an execution of a finished compilation.
func NewExecution(c *Compilation) (*Execution, error) {
	if c == nil {
		return nil, errors.Wrap(nn.ErrUnexpectedNull, "nil compilation")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished {
		return nil, errors.Wrap(nn.ErrBadState, "compilation is not finished")
	}
	return &Execution{
		c:       c,
		inputs:  make([]inputBinding, len(c.inputs)),
		outputs: make([]outputBinding, len(c.outputs)),
	}, nil
}

func (e *Execution) checkBinding(what string, i, count int) error {
	if e.running {
		return errors.Wrap(nn.ErrBadState, "execution is running")
	}
	if i < 0 || i >= count {
		return errors.Wrapf(nn.ErrBadData, "%s index %d out of range, there are %d", what, i, count)
	}
	return nil
}

// SetInput binds data to input i. data must match the input operand size and
// must not be modified until the computation completes.
func (e *Execution) SetInput(i int, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkBinding("input", i, len(e.inputs)); err != nil {
		return err
	}
	if data == nil {
		return errors.Wrapf(nn.ErrUnexpectedNull, "nil data for input %d", i)
	}
	if want := e.c.inputs[i].ByteSize(); len(data) != want {
		return errors.Wrapf(nn.ErrBadData, "input %d (%s) takes %d bytes, got %d", i, e.c.inputs[i], want, len(data))
	}
	e.inputs[i] = inputBinding{data: data, set: true}
	return nil
}

// SetInputFromMemory binds length bytes of mem to input i. offset must be 0.
func (e *Execution) SetInputFromMemory(i int, mem *memory.Memory, offset int64, length int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkBinding("input", i, len(e.inputs)); err != nil {
		return err
	}
	if err := checkMemoryRange(mem, offset, length, e.c.inputs[i]); err != nil {
		return errors.WithMessagef(err, "input %d", i)
	}
	e.inputs[i] = inputBinding{mem: mem, set: true}
	return nil
}

// SetOutput binds buf to output i. buf must hold exactly the output operand.
func (e *Execution) SetOutput(i int, buf []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkBinding("output", i, len(e.outputs)); err != nil {
		return err
	}
	if buf == nil {
		return errors.Wrapf(nn.ErrUnexpectedNull, "nil buffer for output %d", i)
	}
	want := e.c.outputs[i].ByteSize()
	if len(buf) < want {
		return errors.Wrapf(nn.ErrOutputInsufficientSize, "output %d (%s) needs %d bytes, buffer has %d", i, e.c.outputs[i], want, len(buf))
	}
	if len(buf) != want {
		return errors.Wrapf(nn.ErrBadData, "output %d (%s) needs %d bytes, buffer has %d", i, e.c.outputs[i], want, len(buf))
	}
	e.outputs[i] = outputBinding{buf: buf, set: true}
	return nil
}

// SetOutputFromMemory binds length bytes of mem to output i. offset must be 0.
func (e *Execution) SetOutputFromMemory(i int, mem *memory.Memory, offset int64, length int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkBinding("output", i, len(e.outputs)); err != nil {
		return err
	}
	if mem != nil && length < e.c.outputs[i].ByteSize() {
		return errors.Wrapf(nn.ErrOutputInsufficientSize, "output %d (%s) needs %d bytes, memory range has %d",
			i, e.c.outputs[i], e.c.outputs[i].ByteSize(), length)
	}
	if err := checkMemoryRange(mem, offset, length, e.c.outputs[i]); err != nil {
		return errors.WithMessagef(err, "output %d", i)
	}
	e.outputs[i] = outputBinding{mem: mem, set: true}
	return nil
}

func checkMemoryRange(mem *memory.Memory, offset int64, length int, operand nn.OperandType) error {
	if mem == nil {
		return errors.Wrap(nn.ErrUnexpectedNull, "nil memory")
	}
	if offset != 0 {
		return errors.Wrapf(nn.ErrBadData, "memory offset must be 0, got %d", offset)
	}
	if length != operand.ByteSize() {
		return errors.Wrapf(nn.ErrBadData, "%s takes %d bytes, memory range has %d", operand, operand.ByteSize(), length)
	}
	if int64(length) > mem.Size() {
		return errors.Wrapf(nn.ErrBadData, "memory range of %d bytes exceeds memory size %d", length, mem.Size())
	}
	return nil
}

// StartCompute starts evaluating the compiled graph on the bound inputs and
// returns an Event to wait for the outputs. Every input and output must be
// bound, and only one computation may run at a time.
func (e *Execution) StartCompute(ctx context.Context) (*Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil, errors.Wrap(nn.ErrBadState, "execution is already running")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(nn.ErrOpFailed, err.Error())
	}
	for i, in := range e.inputs {
		if !in.set {
			return nil, errors.Wrapf(nn.ErrBadState, "input %d is not set", i)
		}
	}
	for i, out := range e.outputs {
		if !out.set {
			return nil, errors.Wrapf(nn.ErrBadState, "output %d is not set", i)
		}
	}

	// Snapshot the bindings, memory inputs are read now.
	inputs := make([][]byte, len(e.inputs))
	for i, in := range e.inputs {
		if in.data != nil {
			inputs[i] = in.data
			continue
		}
		buf := make([]byte, e.c.inputs[i].ByteSize())
		if n, err := in.mem.ReadAt(buf, 0); n < len(buf) {
			return nil, errors.Wrapf(nn.ErrBadData, "reading input %d from memory: %v", i, err)
		}
		inputs[i] = buf
	}
	outputs := slices.Clone(e.outputs)
	g := e.c.graph

	event := &Event{done: make(chan struct{})}
	e.running = true
	log := klog.FromContext(ctx)
	log.V(2).Info("starting compute", "graph", g.ID, "inputs", len(inputs), "outputs", len(outputs))
	go func() {
		defer close(event.done)
		event.err = run(g, inputs, outputs)
		if event.err != nil {
			log.V(1).Info("compute failed", "graph", g.ID, "err", event.err)
		}
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()
	return event, nil
}

// run evaluates g and copies its results to the output bindings.
func run(g *graph.Graph, inputs [][]byte, outputs []outputBinding) error {
	results, err := g.Execute(inputs)
	if err != nil {
		return errors.Wrap(nn.ErrOpFailed, err.Error())
	}
	if len(results) != len(outputs) {
		return errors.Wrapf(nn.ErrOpFailed, "graph produced %d outputs, %d are bound", len(results), len(outputs))
	}
	for i, out := range outputs {
		if out.buf != nil {
			if len(results[i]) != len(out.buf) {
				return errors.Wrapf(nn.ErrOpFailed, "output %d has %d bytes, buffer has %d", i, len(results[i]), len(out.buf))
			}
			copy(out.buf, results[i])
			continue
		}
		if _, err := out.mem.WriteAt(results[i], 0); err != nil {
			return errors.Wrapf(nn.ErrOpFailed, "writing output %d to memory: %v", i, err)
		}
	}
	return nil
}

// Compute runs the computation and waits for it to complete.
func (e *Execution) Compute(ctx context.Context) error {
	event, err := e.StartCompute(ctx)
	if err != nil {
		return err
	}
	return event.Wait()
}

// OutputOperandRank returns the rank of output i.
func (e *Execution) OutputOperandRank(i int) (int, error) {
	if i < 0 || i >= len(e.c.outputs) {
		return 0, errors.Wrapf(nn.ErrBadData, "output index %d out of range, there are %d", i, len(e.c.outputs))
	}
	return e.c.outputs[i].Rank(), nil
}

// OutputOperandDimensions returns the dimensions of output i.
func (e *Execution) OutputOperandDimensions(i int) ([]uint32, error) {
	if i < 0 || i >= len(e.c.outputs) {
		return nil, errors.Wrapf(nn.ErrBadData, "output index %d out of range, there are %d", i, len(e.c.outputs))
	}
	return slices.Clone(e.c.outputs[i].Dimensions), nil
}
