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

package memtrace

import "net/http"

// ServeHTTP exposes the engine's current peak snapshot on a
// pprof-compatible endpoint, so it can be fetched with "go tool pprof"
// the same way the CPU companion profiler exposes its own samples
// (previously ProfilerListener.ServeHTTP).
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	serveProfile(w, e.DumpPeak().BuildProfile())
}

// Name, Desc, Count and NewHandler let the engine's peak snapshot appear
// alongside the CPU profiler as a guest profile in the /debug/pprof index
// page built by Index (pprof_index.go).
func (e *Engine) Name() string { return "peak_heap" }
func (e *Engine) Desc() string {
	return "Call stacks attributed with bytes live at the highest point of total tracked memory usage."
}
func (e *Engine) Count() int { return len(e.ledger.PeakSnapshot()) }
func (e *Engine) NewHandler(sampleRate float64, symbols Symbolizer) http.Handler {
	return http.HandlerFunc(e.ServeHTTP)
}
