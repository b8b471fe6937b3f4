package framework

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/pprof"
)

// Profiles writes pprof output for one command run.
type Profiles struct {
	CPUPath  string
	HeapPath string
	Logger   *slog.Logger

	cpu *os.File
}

// Start begins CPU profiling when CPUPath is set.
func (p *Profiles) Start() error {
	if p.CPUPath == "" {
		return nil
	}

	f, err := os.Create(p.CPUPath)
	if err != nil {
		return fmt.Errorf("create cpu profile: %w", err)
	}

	err = pprof.StartCPUProfile(f)
	if err != nil {
		_ = f.Close() //nolint:errcheck // already failing.

		return fmt.Errorf("start cpu profile: %w", err)
	}

	p.cpu = f

	return nil
}

// Stop ends CPU profiling and writes the heap profile when HeapPath is set.
// Failures are logged; profiles never fail a run.
func (p *Profiles) Stop() {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if p.cpu != nil {
		pprof.StopCPUProfile()

		closeErr := p.cpu.Close()
		if closeErr != nil {
			logger.Warn("close cpu profile", "path", p.CPUPath, "error", closeErr)
		}

		p.cpu = nil
	}

	if p.HeapPath == "" {
		return
	}

	f, err := os.Create(p.HeapPath)
	if err != nil {
		logger.Warn("create heap profile", "path", p.HeapPath, "error", err)

		return
	}
	defer f.Close()

	runtime.GC()

	writeErr := pprof.WriteHeapProfile(f)
	if writeErr != nil {
		logger.Warn("write heap profile", "path", p.HeapPath, "error", writeErr)
	}
}
