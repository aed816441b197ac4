// Copyright © 2017 Microsoft <wastore@microsoft.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/binsage/binsage/common"
)

var configFile string
var logLevelRaw string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Version: common.BinsageVersion,
	Use:     "binsage",
	Short:   "binsage decompiles binaries and translates them to natural language",
	Long: "binsage is a binary-decompilation-and-translation service. Uploaded executables " +
		"(PE, ELF, Mach-O) are analysed with a native reverse-engineering engine; functions, " +
		"imports and strings are then explained in natural language by configurable LLM providers.",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the binsage version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("binsage version " + common.BinsageVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Path to the YAML configuration file. Defaults to "+common.EEnvironmentVariable.ConfigFile().Name+".")
	rootCmd.PersistentFlags().StringVar(&logLevelRaw, "log-level", "",
		"Minimum log level (debug, info, warn, error). Overrides "+common.EEnvironmentVariable.LogLevel().Name+".")
}

func newLogger() (common.ILogger, error) {
	level := logLevelRaw
	if level == "" {
		level = common.GetEnvironmentVariable(common.EEnvironmentVariable.LogLevel())
	}
	return common.NewLogger(level)
}
