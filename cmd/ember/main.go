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

// Binary ember runs the ember kernel with an emulated chip and hosted demo
// apps, and provides tooling for app binaries.
package main

import (
	"context"
	"flag"
	"os"

	"emberos.dev/ember/pkg/log"
	"github.com/google/subcommands"
)

var (
	debug   = flag.Bool("debug", false, "enable debug logging")
	logJSON = flag.Bool("log-json", false, "emit logs as JSON")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(runCmd), "")
	subcommands.Register(new(tbfCmd), "")
	subcommands.Register(new(versionCmd), "")

	flag.Parse()

	writer := &log.Writer{Next: os.Stderr}
	var emitter log.Emitter = log.TextEmitter{Writer: writer}
	if *logJSON {
		emitter = log.JSONEmitter{Writer: writer}
	}
	log.SetTarget(emitter)
	if *debug {
		log.SetLevel(log.Debug)
	} else {
		log.SetLevel(log.Info)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
