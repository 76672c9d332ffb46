package nn

import "github.com/pkg/errors"

// State is a detached copy of a parameter list.
type State struct {
	Names  []string
	Shapes [][]int
	Data   [][]float64
}

// Snapshot deep-copies params into a State.
func Snapshot(params []*Param) State {
	s := State{
		Names:  make([]string, len(params)),
		Shapes: make([][]int, len(params)),
		Data:   make([][]float64, len(params)),
	}
	for i, p := range params {
		s.Names[i] = p.Name
		s.Shapes[i] = p.Shape()
		s.Data[i] = append([]float64(nil), p.Data()...)
	}
	return s
}

// Restore copies s into params. Names and shapes must match exactly.
func (s State) Restore(params []*Param) error {
	if len(s.Names) != len(params) {
		return errors.Errorf("state has %d tensors, network has %d", len(s.Names), len(params))
	}
	for i, p := range params {
		if s.Names[i] != p.Name {
			return errors.Errorf("tensor #%d: state name %q, network name %q", i, s.Names[i], p.Name)
		}
		if !sameShape(s.Shapes[i], p.Shape()) {
			return errors.Errorf("tensor %s: state shape %v, network shape %v", p.Name, s.Shapes[i], p.Shape())
		}
		if len(s.Data[i]) != len(p.Data()) {
			return errors.Errorf("tensor %s: state holds %d values, want %d", p.Name, len(s.Data[i]), len(p.Data()))
		}
	}
	for i, p := range params {
		copy(p.Data(), s.Data[i])
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
