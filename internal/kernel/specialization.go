package kernel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/model"
)

// Override is one specialization constant.
type Override struct {
	Name  string
	Type  string // u32, i32 or f32
	Value float64
}

func u32(name string, v int) Override {
	return Override{Name: name, Type: "u32", Value: float64(v)}
}

func boolean(name string, v bool) Override {
	if v {
		return u32(name, 1)
	}
	return u32(name, 0)
}

func (o Override) literal() string {
	switch o.Type {
	case "u32":
		return strconv.FormatInt(int64(o.Value), 10) + "u"
	case "i32":
		return strconv.FormatInt(int64(o.Value), 10)
	default:
		return strconv.FormatFloat(o.Value, 'g', -1, 32)
	}
}

// Specialization is everything that is compiled into a program: the entry
// point, the workgroup local size and the specialization constants, in a
// fixed order.
type Specialization struct {
	Entry     string
	Local     [3]int
	Overrides []Override
}

// Key is the canonical variant key of the specialization.
func (s Specialization) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s@%d,%d,%d", s.Entry, s.Local[0], s.Local[1], s.Local[2])
	for _, o := range s.Overrides {
		b.WriteByte('|')
		b.WriteString(o.Name)
		b.WriteByte('=')
		b.WriteString(o.literal())
	}
	return b.String()
}

func (s Specialization) override(name string) (Override, bool) {
	for _, o := range s.Overrides {
		if o.Name == name {
			return o, true
		}
	}
	return Override{}, false
}

// program is the WGSL of one entry point: module scope declarations and the
// body of the entry function.
type program struct {
	decls string
	body  string
}

var (
	programs  = map[string]program{}
	templates = map[string]gpu.Template{}
)

// registerEntry records the WGSL of an entry point and the template the CPU
// device instantiates for it.
func registerEntry(entry string, p program, t gpu.Template) {
	if _, dup := programs[entry]; dup {
		panic("kernel: duplicate entry " + entry)
	}
	programs[entry] = p
	templates[entry] = t
}

// Templates returns the device templates of every entry point.
func Templates() map[string]gpu.Template {
	out := make(map[string]gpu.Template, len(templates))
	for k, v := range templates {
		out[k] = v
	}
	return out
}

// Source generates the WGSL text of a specialization. The same
// specialization always yields byte-identical text.
func Source(s Specialization) gpu.Source {
	p, ok := programs[s.Entry]
	if !ok {
		panic("kernel: no program for entry " + s.Entry)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "// %s\n", s.Key())
	for _, o := range s.Overrides {
		fmt.Fprintf(&b, "override %s: %s = %s;\n", o.Name, o.Type, o.literal())
	}
	if act, ok := s.override("ACTIVATION"); ok {
		b.WriteString(activationWGSL(model.FuseCode(act.Value)))
	}
	b.WriteString(p.decls)
	fmt.Fprintf(&b, "\n@compute @workgroup_size(%d, %d, %d)\n", s.Local[0], s.Local[1], s.Local[2])
	fmt.Fprintf(&b, "fn %s(@builtin(global_invocation_id) gid: vec3<u32>) {\n", s.Entry)
	b.WriteString(p.body)
	b.WriteString("}\n")
	return gpu.Source{Name: s.Key(), Text: b.String()}
}
