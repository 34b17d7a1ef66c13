// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"fmt"

	"github.com/docker/go-units"
)

type LogOptions struct {
	Level       string `toml:"level" mapstructure:"level"`
	Development bool   `toml:"development" mapstructure:"development"`
	Output      string `toml:"output" mapstructure:"output"`
}

// SpillOptions are the spill knobs of one query. Sizes accept
// human readable values like "16MB".
type SpillOptions struct {
	// none, auto, force
	Mode                  string `toml:"mode" mapstructure:"mode"`
	Dir                   string `toml:"dir" mapstructure:"dir"`
	Storage               string `toml:"storage" mapstructure:"storage"`
	Codec                 string `toml:"codec" mapstructure:"codec"`
	InitPartition         int    `toml:"initPartition" mapstructure:"initPartition"`
	MemTableSize          string `toml:"memTableSize" mapstructure:"memTableSize"`
	MemTableNum           int    `toml:"memTableNum" mapstructure:"memTableNum"`
	OperatorMinBytes      string `toml:"operatorMinBytes" mapstructure:"operatorMinBytes"`
	OperatorMaxBytes      string `toml:"operatorMaxBytes" mapstructure:"operatorMaxBytes"`
	IOThreads             int    `toml:"ioThreads" mapstructure:"ioThreads"`
	SharedChannel         bool   `toml:"sharedChannel" mapstructure:"sharedChannel"`
	EnableAdaptiveDop     bool   `toml:"enableAdaptiveDop" mapstructure:"enableAdaptiveDop"`
	QueryMemLimit         string `toml:"queryMemLimit" mapstructure:"queryMemLimit"`
	RuntimeFilterMaxBits  int    `toml:"runtimeFilterMaxBits" mapstructure:"runtimeFilterMaxBits"`
	RuntimeInFilterMaxRow int    `toml:"runtimeInFilterMaxRow" mapstructure:"runtimeInFilterMaxRow"`
}

type BenchOptions struct {
	Lanes        int    `toml:"lanes" mapstructure:"lanes"`
	Rows         int    `toml:"rows" mapstructure:"rows"`
	KeyRange     int    `toml:"keyRange" mapstructure:"keyRange"`
	Broadcast    bool   `toml:"broadcast" mapstructure:"broadcast"`
	ChunkSize    int    `toml:"chunkSize" mapstructure:"chunkSize"`
	PrintSummary bool   `toml:"printSummary" mapstructure:"printSummary"`
	Metrics      string `toml:"metrics" mapstructure:"metrics"`
}

type Config struct {
	Log   LogOptions   `toml:"log" mapstructure:"log"`
	Spill SpillOptions `toml:"spill" mapstructure:"spill"`
	Bench BenchOptions `toml:"bench" mapstructure:"bench"`
}

func DefaultConfig() *Config {
	return &Config{
		Log: LogOptions{
			Level: "info",
		},
		Spill: SpillOptions{
			Mode:                  "auto",
			Storage:               "file",
			Codec:                 "lz4",
			InitPartition:         4,
			MemTableSize:          "1MB",
			MemTableNum:           2,
			OperatorMinBytes:      "1MB",
			OperatorMaxBytes:      "64MB",
			IOThreads:             4,
			RuntimeFilterMaxBits:  1 << 24,
			RuntimeInFilterMaxRow: 1024,
		},
		Bench: BenchOptions{
			Lanes:     4,
			Rows:      100000,
			KeyRange:  10000,
			ChunkSize: DefaultVectorSize,
		},
	}
}

// ParseSize parses a size knob. Empty means zero.
func ParseSize(name, value string) (int64, error) {
	if len(value) == 0 {
		return 0, nil
	}
	sz, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if sz < 0 {
		return 0, fmt.Errorf("invalid %s %q: negative size", name, value)
	}
	return sz, nil
}
