// nnapi-sample builds the classic two-operation sample model, compiles it and
// runs it twice, printing the outputs.
//
// The model computes out = c3 * (c1 + in) over [3][4] float tensors, where the
// constants c1 and c3 are read from a memory-mapped data file.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/go-nnapi/cache"
	"github.com/gomlx/go-nnapi/graph"
	"github.com/gomlx/go-nnapi/memory"
	"github.com/gomlx/go-nnapi/nn"
	"github.com/gomlx/go-nnapi/runtime"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagData = flag.String("data", filepath.Join(os.TempDir(), "training_data"),
		"File where the generated training data (the two constant tensors) is written and mapped from.")
	flagSeed     = flag.Uint64("seed", 42, "Seed used to generate the training data.")
	flagCacheDir = flag.String("cache_dir", os.Getenv("NNAPI_CACHE_DIR"),
		"Directory where compilations are cached. Defaults to $NNAPI_CACHE_DIR, caching is disabled if empty.")
	flagCacheBucket = flag.String("cache_bucket", os.Getenv("NNAPI_CACHE_BUCKET"),
		"Google Cloud Storage bucket used as a remote compilation cache, behind --cache_dir. "+
			"Defaults to $NNAPI_CACHE_BUCKET.")
	flagRuns = flag.Int("runs", 2, "Number of executions to run.")
)

const (
	rows, cols   = 3, 4
	sizeOfTensor = rows * cols * 4
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx := context.Background()

	trainingData := generateData(*flagData, *flagSeed, 2*sizeOfTensor)
	f := must.M1(os.Open(*flagData))
	mem := must.M1(memory.FromFile(f, 2*sizeOfTensor, memory.ProtRead, 0))
	must.M(f.Close())
	defer func() { must.M(mem.Close()) }()

	model := buildModel(mem)
	opts := []runtime.Option{runtime.WithPreference(nn.PreferLowPower)}
	if store := cacheStore(); store != nil {
		token := cache.TokenOf([]byte("basic_sample"), trainingData)
		opts = append(opts, runtime.WithStore(store, token))
	}
	compilation := must.M1(runtime.NewCompilation(model, opts...))
	must.M(compilation.Finish(ctx))

	input := make([]float32, rows*cols)
	for i := range rows {
		for j := range cols {
			input[i*cols+j] = float32(i * j)
		}
	}
	var outputs [][]float32
	for range *flagRuns {
		execution := must.M1(runtime.NewExecution(compilation))
		must.M(execution.SetInput(0, graph.Float32Bytes(input...)))
		output := make([]byte, sizeOfTensor)
		must.M(execution.SetOutput(0, output))
		event := must.M1(execution.StartCompute(ctx))
		must.M(event.Wait())
		outputs = append(outputs, graph.BytesToFloat32(output))
	}
	report(compilation, input, outputs)
}

// generateData writes size pseudo-random bytes to filename: float32 values
// in [0, 1).
func generateData(filename string, seed uint64, size int) []byte {
	rng := rand.New(rand.NewPCG(seed, seed))
	values := make([]float32, size/4)
	for i := range values {
		values[i] = rng.Float32()
	}
	data := graph.Float32Bytes(values...)
	must.M(os.WriteFile(filename, data, 0644))
	klog.V(1).Infof("wrote %s of training data to %q", humanize.Bytes(uint64(len(data))), filename)
	return data
}

// buildModel adds the seven operands in order: 0 is the input, 1 and 3 the
// constants from mem, 2 and 5 the fuse codes, 4 the intermediate sum and 6
// the output.
func buildModel(mem *memory.Memory) *nn.Model {
	tensor3x4 := nn.OperandType{Code: nn.TensorFloat32, Dimensions: []uint32{rows, cols}}
	activation := nn.OperandType{Code: nn.Int32}
	model := nn.NewModel()
	for _, t := range []nn.OperandType{tensor3x4, tensor3x4, activation, tensor3x4, tensor3x4, activation, tensor3x4} {
		_ = must.M1(model.AddOperand(t))
	}
	must.M(model.SetOperandValueFromMemory(1, mem, 0, sizeOfTensor))
	must.M(model.SetOperandValueFromMemory(3, mem, sizeOfTensor, sizeOfTensor))
	none := graph.Int32Bytes(int32(nn.FusedNone))
	must.M(model.SetOperandValue(2, none))
	must.M(model.SetOperandValue(5, none))
	must.M(model.AddOperation(nn.Add, []uint32{1, 0, 2}, []uint32{4}))
	must.M(model.AddOperation(nn.Mul, []uint32{3, 4, 5}, []uint32{6}))
	must.M(model.IdentifyInputsAndOutputs([]uint32{0}, []uint32{6}))
	must.M(model.Finish())
	return model
}

// cacheStore returns the store configured by the flags, or nil if caching is disabled.
func cacheStore() cache.Store {
	var local cache.Store
	if *flagCacheDir != "" {
		local = &cache.DirStore{Dir: *flagCacheDir}
	}
	if *flagCacheBucket == "" {
		return local
	}
	remote := &cache.GCSStore{Bucket: *flagCacheBucket, Prefix: "nnapi-sample"}
	if local == nil {
		return remote
	}
	return &cache.TieredStore{Local: local, Remote: remote}
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = evenRowStyle
			} else {
				s = oddRowStyle
			}
			return s.Align(lipgloss.Right)
		})
}

func report(compilation *runtime.Compilation, input []float32, outputs [][]float32) {
	serialized := must.M1(compilation.Serialize())
	fmt.Println(titleStyle.Render("Compilation"))
	summary := newPlainTable(false)
	summary.Row("graph", compilation.Graph().ID.String())
	summary.Row("device", compilation.Device().String())
	summary.Row("preference", compilation.Preference().String())
	summary.Row("from cache", strconv.FormatBool(compilation.FromCache()))
	summary.Row("serialized", humanize.Bytes(uint64(len(serialized))))
	fmt.Println(summary.Render())

	for run, output := range outputs {
		fmt.Println(titleStyle.Render(fmt.Sprintf("Run #%d", run+1)))
		table := newPlainTable(true)
		table.Headers("row", "input", "output")
		for i := range rows {
			table.Row(strconv.Itoa(i), formatRow(input[i*cols:(i+1)*cols]), formatRow(output[i*cols:(i+1)*cols]))
		}
		fmt.Println(table.Render())
	}
}

func formatRow(values []float32) string {
	s := ""
	for i, v := range values {
		if i > 0 {
			s += "  "
		}
		s += strconv.FormatFloat(float64(v), 'f', 4, 32)
	}
	return s
}
