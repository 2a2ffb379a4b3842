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

package main

import (
	"fmt"
	"os"

	"github.com/kadirpekel/argus/pkg/logger"
)

const (
	// LogFileEnvVar is the environment variable name for log file path
	LogFileEnvVar = "LOG_FILE"
	// LogLevelEnvVar is the environment variable name for log level
	LogLevelEnvVar = "LOG_LEVEL"
	// LogFormatEnvVar is the environment variable name for log format
	LogFormatEnvVar = "LOG_FORMAT"
	// DefaultLogFormat is the default log format
	DefaultLogFormat = "simple"
)

// initLoggerFromCLI initializes the logger from CLI flags and environment
// variables. Priority: CLI flags > env vars > defaults.
func initLoggerFromCLI(cliLogLevel, cliLogFile, cliLogFormat string) (func(), error) {
	logLevel := cliLogLevel
	if logLevel == "" {
		logLevel = os.Getenv(LogLevelEnvVar)
	}
	if logLevel == "" {
		logLevel = "info"
	}

	logFile := cliLogFile
	if logFile == "" {
		logFile = os.Getenv(LogFileEnvVar)
	}

	logFormat := cliLogFormat
	if logFormat == "" {
		logFormat = os.Getenv(LogFormatEnvVar)
	}
	if logFormat == "" {
		logFormat = DefaultLogFormat
	}

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if logFile != "" {
		file, cleanupFn, err := logger.OpenLogFile(logFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = cleanupFn
	}

	logger.Init(level, output, logFormat)
	return cleanup, nil
}
