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

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/daviszhen/spilljoin/pkg/util"
)

func init() {
	cobra.OnInitialize(loadConfig)
	initBuildCmd()
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file. default: ./spilljoin.toml or etc/spilljoin.toml")
}

var runCfg = util.DefaultConfig()

///root cmd

var info = "spilljoin"
var RootCmd = &cobra.Command{
	Use:          "spilljoin",
	Short:        info,
	Long:         info,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use spilljoin --help or -h")
	},
}

var cfgFile string
var defCfgFilePaths = []string{".", "etc"}
var cfgFileName = "spilljoin.toml"

func findConfig() string {
	if len(cfgFile) != 0 {
		return cfgFile
	}
	for _, dirPath := range defCfgFilePaths {
		fpath := filepath.Join(dirPath, cfgFileName)
		if util.FileIsValid(fpath) {
			return fpath
		}
	}
	return ""
}

// loadConfig overlays the config file and the flags on the defaults.
func loadConfig() {
	fpath := findConfig()
	if len(fpath) != 0 {
		viper.SetConfigFile(fpath)
		err := viper.ReadInConfig()
		if err != nil {
			util.Error("viper load config file failed",
				zap.String("fpath", fpath),
				zap.Error(err))
			os.Exit(1)
		}
	}
	err := viper.Unmarshal(runCfg)
	if err != nil {
		util.Error("decode config failed", zap.Error(err))
		os.Exit(1)
	}
	err = util.InitLogger(runCfg.Log)
	if err != nil {
		util.Error("init logger failed", zap.Error(err))
		os.Exit(1)
	}
	if len(fpath) == 0 {
		util.Warn(cfgFileName + " does not exist. use defaults")
	}
}

func main() {
	defer util.Sync()
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
