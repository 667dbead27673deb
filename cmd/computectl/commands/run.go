package commands

import (
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/x448/float16"

	"github.com/gogpu/compute"
)

type runOptions struct {
	entry string
	count int
	sets  []string
	fill  string
	seed  uint64
	show  int
	image string
	width int
}

func newRunCommand(a *app) *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run PROGRAM",
		Short: "Dispatch a compute entry point",
		Long: `Load a WGSL program, bind a generated buffer to every storage binding
of the entry point and dispatch one thread per element.

Read-only buffers are filled according to --fill, read_write buffers start
zeroed and are printed afterwards. Scalar uniforms take their value from
--set name=value.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args[0], o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.entry, "entry", "e", "", "entry point (default: the first in the program)")
	f.IntVarP(&o.count, "count", "n", 1024, "elements per runtime-sized buffer and threads to dispatch")
	f.StringArrayVar(&o.sets, "set", nil, "scalar uniform value as name=value (repeatable)")
	f.StringVar(&o.fill, "fill", "ramp", "input fill: ramp, random or zeros")
	f.Uint64Var(&o.seed, "seed", 1, "seed for --fill random")
	f.IntVar(&o.show, "show", 8, "values printed per output buffer")
	f.StringVar(&o.image, "image", "", "write a heat map of the first output buffer to this PNG file")
	f.IntVar(&o.width, "width", 32, "heat map cells per row")
	return cmd
}

type output struct {
	name string
	buf  *compute.Buffer
}

func (a *app) run(cmd *cobra.Command, path string, o runOptions) error {
	if o.count <= 0 {
		return fmt.Errorf("count must be positive, got %d", o.count)
	}
	sets, err := parseSets(o.sets)
	if err != nil {
		return err
	}

	dev, err := a.openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	var entries []string
	if o.entry != "" {
		entries = []string{o.entry}
	}
	prog, err := dev.LoadProgram(path, entries)
	if err != nil {
		return err
	}
	k, err := dev.CreateComputeKernel(prog)
	if err != nil {
		return err
	}
	ep := k.EntryPoint()

	rng := rand.New(rand.NewPCG(o.seed, o.seed))
	vars := compute.Vars{}
	var outputs []output
	for i := range ep.Bindings {
		b := &ep.Bindings[i]
		if b.Kind == compute.BindingUniform {
			s, ok := sets[b.Name]
			if !ok {
				return fmt.Errorf("uniform %q needs a value: use --set %s=VALUE", b.Name, b.Name)
			}
			if !b.Scalar {
				return fmt.Errorf("uniform %q is a struct; only scalar uniforms can be set", b.Name)
			}
			v, err := parseScalar(b.ElemType, s)
			if err != nil {
				return fmt.Errorf("uniform %q: %w", b.Name, err)
			}
			vars[b.Name] = v
			delete(sets, b.Name)
			continue
		}

		n := o.count
		if !b.RuntimeSized {
			n = b.Size / b.ElemType.Size()
		}
		vals := make([]float64, n)
		if !b.Writable() {
			if err := fillValues(vals, o.fill, rng); err != nil {
				return err
			}
		}
		buf, err := newBuffer(dev, b.ElemType, vals)
		if err != nil {
			return fmt.Errorf("binding %q: %w", b.Name, err)
		}
		vars[b.Name] = buf
		if b.Writable() {
			outputs = append(outputs, output{b.Name, buf})
		}
	}
	if len(sets) > 0 {
		name := slices.Sorted(maps.Keys(sets))[0]
		return fmt.Errorf("--set %s: entry point %q has no uniform named %q", name, ep.Name, name)
	}

	start := time.Now()
	if err := k.Dispatch([3]uint32{uint32(o.count), 1, 1}, vars); err != nil {
		return err
	}
	elapsed := time.Since(start)

	w := cmd.OutOrStdout()
	p := a.printer()
	p.Fprintf(w, "%s:%s on %s: %d threads in %v\n", prog.Name(), ep.Name, dev.Info().Type, o.count, elapsed.Round(time.Microsecond))
	for _, out := range outputs {
		vals, err := readValues(out.buf)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s: %s\n", out.name, formatValues(vals, o.show))
	}

	if o.image != "" {
		if len(outputs) == 0 {
			return fmt.Errorf("--image: entry point %q has no output buffer", ep.Name)
		}
		vals, err := readValues(outputs[0].buf)
		if err != nil {
			return err
		}
		if err := writeHeatmap(o.image, vals, o.width); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %s\n", o.image)
	}
	return nil
}

func parseSets(sets []string) (map[string]string, error) {
	m := make(map[string]string, len(sets))
	for _, s := range sets {
		name, value, ok := strings.Cut(s, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--set %q: want name=value", s)
		}
		m[name] = value
	}
	return m, nil
}

// parseScalar converts s to the Go type a scalar uniform of dtype binds.
func parseScalar(dtype compute.DataType, s string) (any, error) {
	switch dtype {
	case compute.Float32:
		v, err := strconv.ParseFloat(s, 32)
		return float32(v), err
	case compute.Float64:
		return strconv.ParseFloat(s, 64)
	case compute.Int32:
		v, err := strconv.ParseInt(s, 0, 32)
		return int32(v), err
	case compute.Uint32:
		v, err := strconv.ParseUint(s, 0, 32)
		return uint32(v), err
	}
	return nil, fmt.Errorf("cannot set a %s uniform from the command line", dtype)
}

func fillValues(vals []float64, fill string, rng *rand.Rand) error {
	switch fill {
	case "ramp":
		for i := range vals {
			vals[i] = float64(i)
		}
	case "random":
		for i := range vals {
			vals[i] = rng.Float64()
		}
	case "zeros":
	default:
		return fmt.Errorf("unknown fill %q: want ramp, random or zeros", fill)
	}
	return nil
}

func newBuffer(dev *compute.Device, dtype compute.DataType, vals []float64) (*compute.Buffer, error) {
	switch dtype {
	case compute.Float32:
		return compute.CreateBufferFromSlice(dev, convert[float32](vals), 0)
	case compute.Float64:
		return compute.CreateBufferFromSlice(dev, vals, 0)
	case compute.Int32:
		return compute.CreateBufferFromSlice(dev, convert[int32](vals), 0)
	case compute.Uint32:
		return compute.CreateBufferFromSlice(dev, convert[uint32](vals), 0)
	case compute.Float16:
		return compute.CreateBufferFromSlice(dev, compute.Float16s(convert[float32](vals)), 0)
	}
	return nil, fmt.Errorf("unsupported element type %s", dtype)
}

func readValues(buf *compute.Buffer) ([]float64, error) {
	switch buf.DataType() {
	case compute.Float32:
		return readAs[float32](buf)
	case compute.Float64:
		return compute.ToSlice[float64](buf)
	case compute.Int32:
		return readAs[int32](buf)
	case compute.Uint32:
		return readAs[uint32](buf)
	case compute.Float16:
		vals, err := compute.ToSlice[float16.Float16](buf)
		if err != nil {
			return nil, err
		}
		return convert[float64](compute.Float32s(vals)), nil
	}
	return nil, fmt.Errorf("unsupported element type %s", buf.DataType())
}

type number interface {
	~int32 | ~uint32 | ~float32 | ~float64
}

func convert[T, S number](vals []S) []T {
	out := make([]T, len(vals))
	for i, v := range vals {
		out[i] = T(v)
	}
	return out
}

func readAs[T int32 | uint32 | float32](buf *compute.Buffer) ([]float64, error) {
	vals, err := compute.ToSlice[T](buf)
	if err != nil {
		return nil, err
	}
	return convert[float64](vals), nil
}

func formatValues(vals []float64, limit int) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vals {
		if i == limit {
			fmt.Fprintf(&sb, " ... (%d more)", len(vals)-limit)
			break
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	sb.WriteByte(']')
	return sb.String()
}
