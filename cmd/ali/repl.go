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
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ali-kernel/ali/internal/log"
)

const helpText = `Commands:
  /help                 list commands
  /quit                 flush state and exit
  /status               orchestrator and cost status
  /agent <name>         switch conversational focus to a named agent
  /agents               list active agents
  /think <prompt>       run Ali's planner directly
  /cost [budget]        show or set the budget cap (USD)
  /debug <level>        set log verbosity (none|error|warn|info|debug|trace)
  /theme <name>         change theme
  /stream on|off        toggle streaming rendering
  /auth                 store a provider credential
  /logout               clear the stored credential
  /allow-dir <path>     allow tool access under a directory
  /allowed-dirs         list allowed directories

Anything else is sent to the current agent.`

// turnGuard tracks the in-flight turn's cancel func so the signal handler
// can interrupt it: a first interrupt cancels the turn, a second within a
// short window shuts the process down.
type turnGuard struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (g *turnGuard) set(cancel context.CancelFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancel = cancel
}

// interrupt cancels the in-flight turn if any, reporting whether one was
// actually interrupted.
func (g *turnGuard) interrupt() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel == nil {
		return false
	}
	g.cancel()
	g.cancel = nil
	return true
}

const doubleInterruptWindow = time.Second

func runREPL(cmd *cobra.Command, args []string) error {
	k, err := buildKernel(cfgFile)
	if err != nil {
		return err
	}
	defer k.close()

	// acp.enabled in the config flips the default surface from the REPL
	// to the JSON-RPC protocol, same as running `ali acp`.
	if k.cfg.ACP.Enabled {
		return serveACP(cmd.Context(), k)
	}

	// Background maintenance: agent-definition hot reload and the lock
	// expiry reaper, both stopped when the REPL exits.
	bg, stopBg := context.WithCancel(context.Background())
	defer stopBg()
	go func() {
		if err := k.registry.Watch(bg); err != nil {
			log.Warn("agent definitions watch stopped", zap.Error(err))
		}
	}()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-bg.Done():
				return
			case <-ticker.C:
				if n := k.locks.ReapExpired(); n > 0 {
					log.Debug("reaped expired file locks", zap.Int("count", n))
				}
			}
		}
	}()

	guard := &turnGuard{}
	quit := make(chan struct{})
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		var lastInterrupt time.Time
		for sig := range sigCh {
			if sig == syscall.SIGTERM {
				close(quit)
				return
			}
			now := time.Now()
			if now.Sub(lastInterrupt) < doubleInterruptWindow {
				close(quit)
				return
			}
			lastInterrupt = now
			if !guard.interrupt() {
				fmt.Println("\n(press ctrl-c again to quit)")
			}
		}
	}()

	fmt.Printf("ali ready — session %s, budget $%.2f. /help for commands.\n",
		k.session.ID[:8], k.costCtl.BudgetLimit())

	currentAgent := k.cfg.Agents.AliName
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		fmt.Printf("%s> ", currentAgent)
		var line string
		var open bool
		select {
		case <-quit:
			fmt.Println("\nbye")
			return nil
		case line, open = <-lines:
			if !open {
				if err := <-scanErr; err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				return nil
			}
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if done := k.runCommand(line, &currentAgent); done {
				return nil
			}
			continue
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		guard.set(cancel)
		input := line
		if currentAgent != k.cfg.Agents.AliName {
			input = "ask " + currentAgent + " to " + line
		}
		out, err := k.orch.Process(ctx, input)
		guard.set(nil)
		cancel()
		switch {
		case ctx.Err() == context.Canceled:
			fmt.Println("(interrupted)")
		case err != nil:
			fmt.Printf("error: %s\n", userVisible(err))
		default:
			fmt.Println(out)
		}
	}
}

// runCommand executes one slash-command; returns true when the REPL
// should exit.
func (k *kernel) runCommand(line string, currentAgent *string) bool {
	fields := strings.Fields(line)
	command, rest := fields[0], strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch command {
	case "/help":
		fmt.Println(helpText)
	case "/quit":
		fmt.Println("bye")
		return true
	case "/status":
		fmt.Println(k.orch.Status())
	case "/agents":
		for _, a := range k.registry.All() {
			marker := " "
			if a.DisplayName == *currentAgent {
				marker = "*"
			}
			tokens, spend := a.Snapshot()
			fmt.Printf("%s %-12s %-12s active=%-5v tokens=%d spent=$%.4f\n",
				marker, a.DisplayName, a.Role, a.Active, tokens, spend)
		}
	case "/agent":
		if rest == "" {
			fmt.Println("usage: /agent <name>")
			break
		}
		if _, ok := k.registry.FindByName(rest); !ok {
			fmt.Printf("no agent named %q (see /agents)\n", rest)
			break
		}
		*currentAgent = rest
		fmt.Printf("talking to %s\n", rest)
	case "/think":
		if rest == "" {
			fmt.Println("usage: /think <prompt>")
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		out, err := k.orch.Process(ctx, "plan this step by step before answering: "+rest)
		cancel()
		if err != nil {
			fmt.Printf("error: %s\n", userVisible(err))
			break
		}
		fmt.Println(out)
	case "/cost":
		if rest == "" {
			fmt.Printf("session spend $%.4f of $%.2f (lifetime $%.4f)\n",
				k.costCtl.SessionSpend(), k.costCtl.BudgetLimit(), k.costCtl.LifetimeSpend())
			for _, a := range k.costCtl.TopAgents(5) {
				fmt.Printf("  %-20s $%.4f (%d tokens)\n", a.AgentID, a.CostUSD, a.Tokens)
			}
			break
		}
		v, err := strconv.ParseFloat(rest, 64)
		if err != nil || v < 0 {
			fmt.Println("usage: /cost [budget-usd]")
			break
		}
		k.costCtl.SetBudgetLimit(v)
		k.costCtl.ClearBudgetExceeded()
		fmt.Printf("budget set to $%.2f\n", v)
	case "/debug":
		if setLogLevel(rest) {
			fmt.Printf("log level: %s\n", rest)
		} else {
			fmt.Println("usage: /debug none|error|warn|info|debug|trace")
		}
	case "/theme":
		if rest == "" {
			fmt.Println("usage: /theme <name>")
			break
		}
		if err := k.store.SetPreference(context.Background(), "theme", rest); err != nil {
			fmt.Printf("error: %s\n", userVisible(err))
			break
		}
		fmt.Printf("theme: %s\n", rest)
	case "/stream":
		switch rest {
		case "on":
			k.streaming = true
		case "off":
			k.streaming = false
		default:
			fmt.Println("usage: /stream on|off")
			return false
		}
		fmt.Printf("streaming: %s\n", rest)
	case "/auth":
		fmt.Printf("set %s_LLM_ANTHROPIC_API_KEY (or the matching variable for your provider) and restart, or add the key to %s\n",
			"ALI", k.cfg.DataDir+"/ali.yaml")
	case "/logout":
		if err := k.store.SetPreference(context.Background(), "credential", ""); err != nil {
			fmt.Printf("error: %s\n", userVisible(err))
			break
		}
		fmt.Println("stored credential cleared")
	case "/allow-dir":
		if rest == "" {
			fmt.Println("usage: /allow-dir <path>")
			break
		}
		k.sandbox.Allow(rest)
		if err := k.store.SetPreference(context.Background(), "allowed_dirs",
			strings.Join(k.sandbox.Allowed(), "\n")); err != nil {
			fmt.Printf("error: %s\n", userVisible(err))
			break
		}
		fmt.Printf("allowed: %s\n", rest)
	case "/allowed-dirs":
		dirs := k.sandbox.Allowed()
		if len(dirs) == 0 {
			fmt.Println("no directories allowed yet (/allow-dir <path>)")
			break
		}
		for _, d := range dirs {
			fmt.Println(d)
		}
	default:
		fmt.Printf("unknown command %s (/help)\n", command)
	}
	return false
}

// setLogLevel rebuilds the process logger at the requested verbosity.
// "none" and "trace" map onto zap's fatal-only and debug levels.
func setLogLevel(level string) bool {
	var zapLevel zapcore.Level
	switch level {
	case "none":
		zapLevel = zapcore.FatalLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "debug", "trace":
		zapLevel = zapcore.DebugLevel
	default:
		return false
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := cfg.Build()
	if err != nil {
		return false
	}
	log.SetLogger(logger)
	return true
}

// userVisible flattens an error chain to a single short sentence.
func userVisible(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
