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

	"github.com/daviszhen/strom/pkg/device"
	"github.com/daviszhen/strom/pkg/util"
)

func init() {
	cobra.OnInitialize(loadConfig)
	initPersistentFlags()
	initSortCmd()
	initDevinfoCmd()
}

var stromCfg = util.DefaultConfig()

///root cmd

var info = "strom: chunked data stores and gpu sort on an emulated device"
var RootCmd = &cobra.Command{
	Use:          "strom",
	Short:        info,
	Long:         info,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use strom --help or -h")
	},
}

func initChunkOptions() {
	stromCfg.Chunk.SizeKB = viper.GetInt("chunk.sizeKB")
	stromCfg.Chunk.TempDir = viper.GetString("chunk.tempDir")
	stromCfg.Chunk.FileMapped = viper.GetBool("chunk.fileMapped")
}

func initDeviceOptions() {
	stromCfg.Device.AttrFile = viper.GetString("device.attrFile")
	stromCfg.Device.DeviceIndex = viper.GetInt("device.deviceIndex")
}

func initDebugOptions() error {
	stromCfg.Debug.LogLevel = viper.GetString("debug.logLevel")
	stromCfg.Debug.PrintResult = viper.GetBool("debug.printResult")
	stromCfg.Debug.DumpChunk = viper.GetBool("debug.dumpChunk")
	stromCfg.Debug.MaxPrint = viper.GetInt("debug.maxPrint")
	return util.InitLogger(stromCfg.Debug.LogLevel)
}

func initPersistentFlags() {
	def := util.DefaultConfig()
	flags := RootCmd.PersistentFlags()
	flags.IntVar(&stromCfg.Chunk.SizeKB, "chunk_size_kb", def.Chunk.SizeKB, "chunk size in kB")
	flags.StringVar(&stromCfg.Chunk.TempDir, "temp_dir", def.Chunk.TempDir, "directory of file mapped chunks")
	flags.BoolVar(&stromCfg.Chunk.FileMapped, "file_mapped", false, "map chunks onto temp files")
	flags.StringVar(&stromCfg.Device.AttrFile, "attr_file", "", "device attribute file. emulated gpu if empty")
	flags.IntVar(&stromCfg.Device.DeviceIndex, "device", 0, "device index")
	flags.StringVar(&stromCfg.Debug.LogLevel, "log_level", def.Debug.LogLevel, "debug, info, warn, error")

	viper.BindPFlag("chunk.sizeKB", flags.Lookup("chunk_size_kb"))
	viper.BindPFlag("chunk.tempDir", flags.Lookup("temp_dir"))
	viper.BindPFlag("chunk.fileMapped", flags.Lookup("file_mapped"))
	viper.BindPFlag("device.attrFile", flags.Lookup("attr_file"))
	viper.BindPFlag("device.deviceIndex", flags.Lookup("device"))
	viper.BindPFlag("debug.logLevel", flags.Lookup("log_level"))
}

func loadPlatform() (*device.Platform, error) {
	if stromCfg.Device.AttrFile == "" {
		return device.DefaultPlatform(), nil
	}
	return device.LoadAttributes(stromCfg.Device.AttrFile)
}

func openDevice() (*device.Device, error) {
	plat, err := loadPlatform()
	if err != nil {
		return nil, err
	}
	idx := stromCfg.Device.DeviceIndex
	if idx < 0 || idx >= len(plat.Devices) {
		return nil, fmt.Errorf("device %d of %d: %w", idx, len(plat.Devices), device.ErrNoDevice)
	}
	return device.Open(&plat.Devices[idx])
}

//devinfo cmd

var devinfoInfo = "print the device attributes"
var devinfoCmd = &cobra.Command{
	Use:   "devinfo",
	Short: devinfoInfo,
	Long:  devinfoInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		initDeviceOptions()
		if err := initDebugOptions(); err != nil {
			return err
		}
		plat, err := loadPlatform()
		if err != nil {
			return err
		}
		fmt.Println(plat.String())
		return nil
	},
}

func initDevinfoCmd() {
	RootCmd.AddCommand(devinfoCmd)
}

var defCfgFilePaths = []string{".", "etc"}
var cfgFileName = "strom.toml"

func loadConfig() {
	for _, dirPath := range defCfgFilePaths {
		fpath := filepath.Join(dirPath, cfgFileName)
		if util.FileIsValid(fpath) {
			viper.SetConfigFile(fpath)
			err := viper.ReadInConfig()
			if err != nil {
				util.Error("viper load config file failed",
					zap.String("fpath", fpath),
					zap.Error(err))
				continue
			}
			return
		}
	}
	util.Debug("strom.toml does not exist, use flags and defaults")
}

func main() {
	defer util.Sync()
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
