// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command argus is the CLI for the Argus agent gateway.
//
// Usage:
//
//	argus serve --config argus.yaml
//	argus serve --port 9090
//	argus validate argus.yaml
//	argus schema > config-schema.json
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/argus/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" default:"withargs" help:"Start the agent gateway."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for the configuration."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	EnvFile   string `name:"env-file" help:"Env file to load before reading config." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("Argus gateway version %s\n", version)
	return nil
}

// printBanner prints a colored ASCII banner when stdout is a terminal.
func printBanner() {
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			return
		}
	} else {
		return
	}

	greenColor := "\033[38;2;16;185;129m"
	resetColor := "\033[0m"

	banner := `
 █████╗ ██████╗  ██████╗ ██╗   ██╗███████╗
██╔══██╗██╔══██╗██╔════╝ ██║   ██║██╔════╝
███████║██████╔╝██║  ███╗██║   ██║███████╗
██╔══██║██╔══██╗██║   ██║██║   ██║╚════██║
██║  ██║██║  ██║╚██████╔╝╚██████╔╝███████║
╚═╝  ╚═╝╚═╝  ╚═╝ ╚═════╝  ╚═════╝ ╚══════╝
`
	fmt.Printf("%s%s%s\n", greenColor, banner, resetColor)
}

// shouldSkipBanner reports whether the invoked command is informational
// (validate, schema) and the banner would just pollute piped output.
func shouldSkipBanner(args []string) bool {
	if len(args) < 2 {
		return false
	}
	for _, arg := range args {
		if arg == "validate" || arg == "schema" {
			return true
		}
	}
	return false
}

func main() {
	if !shouldSkipBanner(os.Args) {
		printBanner()
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("argus"),
		kong.Description("Argus - agent gateway for MCP tool servers"),
		kong.UsageOnError(),
	)

	if cli.EnvFile != "" {
		if err := config.LoadEnvFile(cli.EnvFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load env file: %v\n", err)
			os.Exit(1)
		}
	} else if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
