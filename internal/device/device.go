package device

import (
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"
)

// Kind names a compute backend.
type Kind string

const (
	CPU Kind = "cpu"
)

// Device is the compute device chosen once per training session.
type Device struct {
	Kind     Kind
	Name     string
	Cores    int
	Features []string
}

// reported lists the SIMD extensions worth logging at startup.
var reported = []cpuid.FeatureID{cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD}

// Select resolves a device token. "auto" falls back to the host CPU, since
// no accelerator engine is compiled in.
func Select(token string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "", "auto", string(CPU):
		return host(), nil
	default:
		return Device{}, fmt.Errorf("device %q is not available in this build", token)
	}
}

func host() Device {
	d := Device{
		Kind:  CPU,
		Name:  cpuid.CPU.BrandName,
		Cores: cpuid.CPU.PhysicalCores,
	}
	for _, f := range reported {
		if cpuid.CPU.Supports(f) {
			d.Features = append(d.Features, f.String())
		}
	}
	return d
}

// Fields describes the device for structured logs.
func (d Device) Fields() logrus.Fields {
	return logrus.Fields{
		"device":   d.Kind,
		"cpu":      d.Name,
		"cores":    d.Cores,
		"features": strings.Join(d.Features, ","),
	}
}

// Check verifies that every tensor is resident on d.
func (d Device) Check(ts ...*tensor.Dense) error {
	for i, t := range ts {
		if t == nil {
			return fmt.Errorf("tensor #%d is nil", i)
		}
		if d.Kind == CPU && !t.IsNativelyAccessible() {
			return fmt.Errorf("tensor #%d is not resident on %s", i, d.Kind)
		}
	}
	return nil
}
