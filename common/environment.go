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

package common

import "os"

type EnvironmentVariable struct {
	Name         string
	DefaultValue string
	Description  string
}

// This array needs to be updated when a new public environment variable is added
var VisibleEnvironmentVariables = []EnvironmentVariable{
	EEnvironmentVariable.ConfigFile(),
	EEnvironmentVariable.StorageRoot(),
	EEnvironmentVariable.StructuredStoreURL(),
	EEnvironmentVariable.RedisURL(),
	EEnvironmentVariable.WorkerCount(),
	EEnvironmentVariable.LogLevel(),
	EEnvironmentVariable.EnginePath(),
}

var EEnvironmentVariable = EnvironmentVariable{}

func (EnvironmentVariable) ConfigFile() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "BINSAGE_CONFIG",
		DefaultValue: "binsage.yaml",
		Description:  "Path to the YAML configuration file.",
	}
}

func (EnvironmentVariable) StorageRoot() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "BINSAGE_STORAGE_ROOT",
		Description: "Blob store root. A plain path selects the local backend; azblob://, s3:// and gs:// URLs select the matching cloud backend.",
	}
}

func (EnvironmentVariable) StructuredStoreURL() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "BINSAGE_STRUCTURED_STORE_URL",
		Description: "PostgreSQL connection URL for the structured store.",
	}
}

func (EnvironmentVariable) RedisURL() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "BINSAGE_REDIS_URL",
		Description: "Redis connection URL backing the sliding-window rate limiter.",
	}
}

func (EnvironmentVariable) WorkerCount() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "BINSAGE_WORKER_COUNT",
		Description: "Overrides how many decompilation workers run. By default this number is small and fixed; each worker executes one job at a time.",
	}
}

func (EnvironmentVariable) LogLevel() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "BINSAGE_LOG_LEVEL",
		DefaultValue: "info",
		Description:  "Minimum log level (debug, info, warn, error).",
	}
}

func (EnvironmentVariable) EnginePath() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "BINSAGE_ENGINE_PATH",
		DefaultValue: "r2",
		Description:  "Path to the native reverse-engineering engine binary.",
	}
}

func (EnvironmentVariable) ProviderAPIKeyPrefix() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "BINSAGE_PROVIDER_KEY_",
		Description: "Per-provider API key override; append the upper-cased provider id.",
	}
}

// GetEnvironmentVariable reads the variable, falling back to its default.
func GetEnvironmentVariable(v EnvironmentVariable) string {
	if val := os.Getenv(v.Name); val != "" {
		return val
	}
	return v.DefaultValue
}
