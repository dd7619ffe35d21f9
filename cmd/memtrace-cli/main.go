//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command memtrace-cli runs a single wasm-hosted interpreter guest under
// the memtrace allocation-interception engine, and optionally exposes or
// dumps the peak memory snapshot it records.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/pprof/profile"
	flag "github.com/spf13/pflag"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/memtrace-dev/memtrace"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

const defaultSampleRate = 1.0 / 19

type program struct {
	filePath       string
	pprofAddr      string
	cpuProfile     string
	peakProfile    string
	sampleRate     float64
	hostTime       bool
	mounts         []string
	hostVersionReq string
}

func (prog *program) run(ctx context.Context) error {
	wasmName := filepath.Base(prog.filePath)
	wasmCode, err := os.ReadFile(prog.filePath)
	if err != nil {
		return fmt.Errorf("loading wasm module: %w", err)
	}

	engine, err := memtrace.InitializeFromHost(
		memtrace.WithHostVersionConstraint(prog.hostVersionReq),
	)
	if err != nil {
		return fmt.Errorf("initializing memtrace engine: %w", err)
	}
	engine.StartTracking()

	cpu := memtrace.NewCPUProfiler(time.Now, memtrace.EnableHostTime(prog.hostTime))

	listeners := []experimental.FunctionListenerFactory{memtrace.NewAllocationListenerFactory(engine)}
	if prog.cpuProfile != "" || prog.pprofAddr != "" {
		listeners = append(listeners, memtrace.SampledFunctionListenerFactory(prog.sampleRate, experimental.FunctionListenerFactoryFunc(cpu.NewListener)))
	}

	ctx = context.WithValue(ctx,
		experimental.FunctionListenerFactoryKey{},
		experimental.MultiFunctionListenerFactory(listeners...),
	)

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithDebugInfoEnabled(true).
		WithCustomSections(true))

	compiledModule, err := rt.CompileModule(ctx, wasmCode)
	if err != nil {
		return fmt.Errorf("compiling wasm module: %w", err)
	}

	if prog.pprofAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/pprof/profile", cpu.NewHandler(prog.sampleRate, nil))
		mux.Handle("/debug/pprof/heap", http.HandlerFunc(engine.ServeHTTP))
		mux.Handle("/memtrace", http.DefaultServeMux)

		go func() {
			if err := http.ListenAndServe(prog.pprofAddr, mux); err != nil {
				log.Println(err)
			}
		}()
	}

	if prog.cpuProfile != "" {
		cpu.StartProfile()
		defer func() {
			writeProfile(prog.cpuProfile, cpu.StopProfile(prog.sampleRate, nil))
		}()
	}

	if prog.peakProfile != "" {
		defer func() {
			writeProfile(prog.peakProfile, engine.DumpPeak().BuildProfile())
		}()
	}

	ctx, cancel := context.WithCancelCause(ctx)
	engine.RegisterTracer(func() {
		go func() {
			defer cancel(nil)
			wasi_snapshot_preview1.MustInstantiate(ctx, rt)

			config := wazero.NewModuleConfig().
				WithStdout(os.Stdout).
				WithStderr(os.Stderr).
				WithStdin(os.Stdin).
				WithRandSource(rand.Reader).
				WithSysNanosleep().
				WithSysNanotime().
				WithSysWalltime().
				WithArgs(wasmName).
				WithFSConfig(createFSConfig(prog.mounts))

			instance, err := rt.InstantiateModule(ctx, compiledModule, config)
			if err != nil {
				cancel(fmt.Errorf("instantiating module: %w", err))
				return
			}
			if _, err := engine.AttachCPythonHost(instance); err != nil {
				log.Printf("memtrace: could not attach interpreter host adapter: %v", err)
			}
			closeErr := instance.Close(ctx)
			engine.ShuttingDown()
			if closeErr != nil {
				cancel(fmt.Errorf("closing module: %w", closeErr))
				return
			}
		}()
	})

	<-ctx.Done()
	return silenceContextCanceled(context.Cause(ctx))
}

func silenceContextCanceled(err error) error {
	if err == context.Canceled {
		err = nil
	}
	return err
}

var (
	pprofAddr      string
	cpuProfile     string
	peakProfile    string
	sampleRate     float64
	hostTime       bool
	mounts         string
	hostVersionReq string
)

func init() {
	log.Default().SetOutput(os.Stderr)
	flag.StringVar(&pprofAddr, "pprof-addr", "", "Address where to expose a pprof HTTP endpoint.")
	flag.StringVar(&cpuProfile, "cpuprofile", "", "Write a CPU profile to the specified file before exiting.")
	flag.StringVar(&peakProfile, "peakprofile", "", "Write the peak memory snapshot to the specified file before exiting.")
	flag.Float64Var(&sampleRate, "sample-rate", defaultSampleRate, "Set the profile sampling rate (0-1).")
	flag.BoolVar(&hostTime, "host", false, "Include time spent in host function calls.")
	flag.StringVar(&mounts, "mount", "", "Comma-separated list of directories to mount (e.g. /tmp:/tmp:ro).")
	flag.StringVar(&hostVersionReq, "host-version", "", "Semver constraint the guest's interpreter version must satisfy (e.g. \">=3.11.0, <3.12.0\").")
}

func run(ctx context.Context) error {
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		return fmt.Errorf("usage: memtrace-cli </path/to/app.wasm>")
	}

	return (&program{
		filePath:       args[0],
		pprofAddr:      pprofAddr,
		cpuProfile:     cpuProfile,
		peakProfile:    peakProfile,
		sampleRate:     sampleRate,
		hostTime:       hostTime,
		mounts:         split(mounts),
		hostVersionReq: hostVersionReq,
	}).run(ctx)
}

func split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func writeProfile(path string, prof *profile.Profile) {
	if err := memtrace.WriteProfile(path, prof); err != nil {
		log.Fatalf("ERROR: writing profile: %s", err)
	}
}

func createFSConfig(mounts []string) wazero.FSConfig {
	fs := wazero.NewFSConfig()
	for _, m := range mounts {
		parts := strings.Split(m, ":")
		if len(parts) < 2 {
			log.Fatalf("invalid mount: %s", m)
		}

		var mode string
		if len(parts) == 3 {
			mode = parts[2]
		}

		if mode == "ro" {
			fs = fs.WithReadOnlyDirMount(parts[0], parts[1])
			continue
		}

		fs = fs.WithDirMount(parts[0], parts[1])
	}
	return fs
}
