// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ali-kernel/ali/pkg/acp"
)

const version = "0.1.0"

var acpCmd = &cobra.Command{
	Use:   "acp",
	Short: "Serve the agent-client protocol (line-delimited JSON-RPC 2.0) on stdio",
	Long: `Serves initialize, session.new, session.prompt and session.cancel over
stdin/stdout for editors and tools that embed the kernel. Each message is
one line of JSON. session.prompt answers with the turn's full text once
the turn finishes; this command sends no session.update notifications.`,
	RunE: runACP,
}

func runACP(cmd *cobra.Command, args []string) error {
	k, err := buildKernel(cfgFile)
	if err != nil {
		return err
	}
	defer k.close()
	return serveACP(cmd.Context(), k)
}

func serveACP(parent context.Context, k *kernel) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	prompter := acp.PrompterFunc(func(ctx context.Context, sessionID, input string, onChunk func(string)) (string, error) {
		return k.orch.Process(ctx, input)
	})

	server := acp.NewServer(prompter, "ali", version)
	return server.Serve(ctx, os.Stdin, os.Stdout)
}
