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
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var gLogger atomic.Pointer[zap.Logger]

func init() {
	gLogger.Store(zap.NewNop())
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.DisableStacktrace = true
	if logger, err := cfg.Build(zap.AddCallerSkip(1)); err == nil {
		gLogger.Store(logger)
	}
}

// InitLogger replaces the process logger with one built from opts.
func InitLogger(opts LogOptions) error {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return err
	}
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = nil
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = !opts.Development
	if len(opts.Output) != 0 {
		cfg.OutputPaths = []string{opts.Output}
	}
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	old := gLogger.Swap(logger)
	if old != nil {
		_ = old.Sync()
	}
	return nil
}

func Logger() *zap.Logger {
	return gLogger.Load()
}

func Debug(msg string, fields ...zap.Field) {
	gLogger.Load().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	gLogger.Load().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	gLogger.Load().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	gLogger.Load().Error(msg, fields...)
}

func Sync() {
	_ = gLogger.Load().Sync()
}
