// Package gonnapi is a pure Go implementation of a neural network API in the
// style of Android's NNAPI: client programs describe a model as a graph of
// typed operands and operations, compile it for a device and execute it.
//
// # Architecture
//
// The package is organized into several sub-packages:
//
//   - nn: Operand and operation codes, result codes and the Model builder.
//   - memory: Shared memory regions, either host buffers or memory-mapped files.
//   - device: The registry of devices models can be compiled for.
//   - graph: The typed tensor graph models are lowered to, and its evaluator.
//   - convert: Lowering of a finished Model into a graph, one operation at a time.
//   - blob: Aligned storage of large constant payloads.
//   - codec: Binary serialization of compiled graphs.
//   - cache: Compilation caches keyed by a token, on a directory or Google Cloud Storage.
//   - runtime: Compilations and executions.
//
// # Usage
//
//	model := nn.NewModel()
//	// ... add operands and operations, identify inputs and outputs ...
//	if err := model.Finish(); err != nil {
//	    log.Fatal(err)
//	}
//
//	compilation, err := runtime.NewCompilation(model, runtime.WithPreference(nn.PreferLowPower))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := compilation.Finish(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	execution, err := runtime.NewExecution(compilation)
//	// ... SetInput / SetOutput ...
//	err = execution.Compute(ctx)
//
// See cmd/nnapi-sample for a complete program.
package gonnapi
