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

// Command ali is the terminal entry point: a plain line-oriented driver
// over the orchestration kernel. It reads natural-language lines and
// slash-commands from stdin, runs them through the orchestrator, and
// prints the synthesized answers. `ali acp` instead serves the JSON-RPC
// agent-client protocol on stdio for editor and tool integrations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ali",
	Short: "Ali - a terminal-resident multi-agent orchestration kernel",
	Long: `Ali is a chief-of-staff agent that routes your requests to a roster of
specialist agents, runs delegated subtasks in parallel across LLM
providers under a session budget, and keeps conversation history, plans
and a semantic memory graph between sessions.`,
	RunE: runREPL,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $ALI_DATA_DIR/ali.yaml)")
	rootCmd.AddCommand(acpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
