package tool

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Availability is the outcome of probing a tool's requirements.
type Availability struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Prober checks the host for binaries and environment variables.
type Prober struct {
	LookPath  func(string) (string, error)
	LookupEnv func(string) (string, bool)
}

// DefaultProber probes the real host.
var DefaultProber = Prober{LookPath: exec.LookPath, LookupEnv: os.LookupEnv}

// Probe reports whether d can run on this host. It never fails; missing
// requirements are described in Reason.
func (p Prober) Probe(d Descriptor) Availability {
	var missing []string

	if d.Kind == KindSubprocess && d.Launch.Command != "" {
		if _, err := p.LookPath(d.Launch.Command); err != nil {
			missing = append(missing, "command "+d.Launch.Command)
		}
	}
	for _, bin := range d.RequiredBins {
		if _, err := p.LookPath(bin); err != nil {
			missing = append(missing, "binary "+bin)
		}
	}
	for _, key := range d.RequiredEnv {
		if v, ok := p.LookupEnv(key); !ok || v == "" {
			missing = append(missing, "env "+key)
		}
	}

	if len(missing) == 0 {
		return Availability{Available: true}
	}
	return Availability{Reason: fmt.Sprintf("missing %s", strings.Join(missing, ", "))}
}
