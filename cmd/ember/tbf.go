// Copyright 2025 The Ember Authors
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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"emberos.dev/ember/pkg/loader"
	"github.com/google/subcommands"
)

// tbfCmd implements subcommands.Command for the "tbf" command, which
// inspects app headers in a flash image file.
type tbfCmd struct{}

// Name implements subcommands.Command.Name.
func (*tbfCmd) Name() string {
	return "tbf"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*tbfCmd) Synopsis() string {
	return "list the app headers found in a flash image file"
}

// Usage implements subcommands.Command.Usage.
func (*tbfCmd) Usage() string {
	return `tbf <image file> - list the app headers found in a flash image file
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*tbfCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*tbfCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	data, err := os.ReadFile(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "tbf: %v\n", err)
		return subcommands.ExitFailure
	}

	n := 0
	for offset := 0; offset < len(data); {
		h, err := loader.ParseTBFHeader(data[offset:])
		if err != nil {
			if n == 0 {
				fmt.Fprintf(os.Stderr, "tbf: offset %#x: %v\n", offset, err)
				return subcommands.ExitFailure
			}
			break
		}
		name := h.PackageName
		if name == "" {
			name = fmt.Sprintf("app%d", n)
		}
		fmt.Printf("%#08x %s\n", offset, name)
		fmt.Printf("  total size:  %d\n", h.TotalSize)
		fmt.Printf("  init offset: %#x\n", h.InitOffset)
		fmt.Printf("  minimum RAM: %d\n", h.MinimumRAMSize)
		fmt.Printf("  enabled:     %t\n", h.Enabled())
		n++
		if h.TotalSize == 0 {
			break
		}
		offset += int(h.TotalSize)
	}
	fmt.Printf("%d app(s)\n", n)
	return subcommands.ExitSuccess
}
