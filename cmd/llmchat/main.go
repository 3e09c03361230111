// llmchat - streaming multi-provider LLM chat for the terminal.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/peterh/liner"

	"github.com/jeranaias/llmchat/internal/chat"
	"github.com/jeranaias/llmchat/internal/config"
	"github.com/jeranaias/llmchat/internal/model"
	"github.com/jeranaias/llmchat/internal/provider"
	"github.com/jeranaias/llmchat/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.llmchat/config.toml)")
	useSQLite := flag.Bool("sqlite", false, "store sessions in SQLite instead of a JSON file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("llmchat %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath, *useSQLite); err != nil {
		log.Fatalf("llmchat: %v", err)
	}
}

func run(configPath string, useSQLite bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	manager := config.NewManager(cfg, configPath)

	if watchPath, err := resolveConfigPath(configPath); err == nil {
		if watcher, err := config.NewWatcher(manager, watchPath, func(err error) {
			if err != nil {
				log.Printf("config reload failed: %v", err)
			}
		}); err == nil {
			if err := watcher.Watch(); err == nil {
				defer watcher.Close()
			}
		}
	}

	store, err := openStore(useSQLite)
	if err != nil {
		return err
	}
	defer store.Close()

	repl := newREPL(store, manager)
	return repl.loop()
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// resolveConfigPath returns the file the watcher should follow.
func resolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	return config.ConfigPathTOML()
}

func openStore(useSQLite bool) (*storage.SessionStore, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	var bucket storage.Bucket
	if useSQLite {
		bucket, err = storage.NewSQLiteBucket(filepath.Join(dir, "llmchat.db"), storage.BucketName)
		if err != nil {
			return nil, err
		}
	} else {
		bucket = storage.NewFileBucket(filepath.Join(dir, storage.BucketName+".json"))
	}
	return storage.NewSessionStore(bucket), nil
}

// =============================================================================
// REPL
// =============================================================================

type repl struct {
	store   *storage.SessionStore
	manager *config.Manager
	orch    *chat.Orchestrator

	sessionID string
	lastMsgID string

	// printed tracks how much of the streaming output is already on
	// screen, so each OnStream call prints only the new tail.
	mu      sync.Mutex
	printed int
	done    chan struct{}
}

func newREPL(store *storage.SessionStore, manager *config.Manager) *repl {
	r := &repl{store: store, manager: manager}
	r.orch = chat.New(store, manager, provider.NewRegistry(), chat.Callbacks{
		OnStreamStart: func(model.Message) { r.resetOutput() },
		OnStream:      func(msg model.Message) { r.printDelta(msg.RawAI) },
		OnStreamEnd: func(msg model.Message) {
			r.lastMsgID = msg.ID
			if msg.Status == model.StatusStopped {
				fmt.Println("\n[stopped]")
			} else {
				fmt.Println()
			}
			r.signalDone()
		},
		OnError: func(msg model.Message, err error) {
			fmt.Printf("\nerror: %s\n", msg.ErrorMessage)
			r.signalDone()
		},
	})
	return r
}

func (r *repl) resetOutput() {
	r.mu.Lock()
	r.printed = 0
	r.mu.Unlock()
}

func (r *repl) printDelta(rawAI string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(rawAI) > r.printed {
		fmt.Print(rawAI[r.printed:])
		r.printed = len(rawAI)
	}
}

func (r *repl) signalDone() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
}

func (r *repl) loop() error {
	sess, err := r.store.CreateSession()
	if err != nil {
		return err
	}
	r.sessionID = sess.ID

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyPath := ""
	if dir, err := config.ConfigDir(); err == nil {
		historyPath = filepath.Join(dir, "history")
		if f, err := os.Open(historyPath); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}

	prefs := r.manager.GetPreferences()
	fmt.Printf("llmchat %s — model %s (type /help for commands)\n", Version, prefs.DefaultModel)

	for {
		input, err := line.Prompt("> ")
		if err != nil {
			if err == liner.ErrPromptAborted || errors.Is(err, io.EOF) {
				break
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if quit := r.command(input); quit {
				break
			}
			continue
		}

		r.ask(input)
	}

	if historyPath != "" {
		if f, err := os.Create(historyPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}
	return nil
}

// ask runs one generation and blocks until it reaches a terminal state,
// so the prompt does not interleave with streaming output. Ctrl-C while
// streaming stops the generation instead of killing the process.
func (r *repl) ask(query string) {
	done := r.armDone()
	r.orch.RunModel(r.sessionID, model.PromptRequest{
		Role:   model.RoleAssistant,
		Intent: model.IntentAsk,
		Query:  query,
	})
	r.waitForGeneration(done)
}

func (r *repl) waitForGeneration(done chan struct{}) {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			r.orch.StopGeneration()
		}
	}
}

func (r *repl) armDone() chan struct{} {
	done := make(chan struct{})
	r.mu.Lock()
	r.done = done
	r.mu.Unlock()
	return done
}

func (r *repl) command(input string) (quit bool) {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/help":
		fmt.Print(`commands:
  /models          list available models
  /model <key>     switch the active model
  /sessions        list stored sessions
  /new             start a new session
  /regen           regenerate the last answer
  /delete <id>     delete a message from this session
  /clear           delete all sessions
  /quit            exit
`)

	case "/models":
		active := r.manager.GetPreferences().DefaultModel
		for _, m := range model.ListModels() {
			marker := "  "
			if m.Key == active {
				marker = "* "
			}
			fmt.Printf("%s%-28s %-18s %s\n", marker, m.Key, m.Provider, m.ContextString())
		}

	case "/model":
		if len(fields) < 2 {
			fmt.Println("usage: /model <key>")
			break
		}
		desc, ok := model.GetModel(fields[1])
		if !ok {
			fmt.Printf("unknown model %q\n", fields[1])
			break
		}
		prefs := r.manager.GetPreferences()
		prefs.DefaultModel = desc.Key
		r.manager.SetPreferences(prefs)
		fmt.Printf("model set to %s\n", desc.Key)

	case "/sessions":
		sessions, err := r.store.ListSessions()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		for _, s := range storage.SortSessionsBy(sessions, storage.SortByUpdatedAt) {
			fmt.Printf("%s  %-50s  %d messages\n", s.ID, s.Title, len(s.Messages))
		}

	case "/new":
		sess, err := r.store.CreateSession()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		r.sessionID = sess.ID
		r.lastMsgID = ""
		fmt.Println("started a new session")

	case "/regen":
		if r.lastMsgID == "" {
			fmt.Println("nothing to regenerate")
			break
		}
		if sess, err := r.store.GetSession(r.sessionID); err != nil || sess.FindMessage(r.lastMsgID) < 0 {
			fmt.Println("nothing to regenerate")
			break
		}
		done := r.armDone()
		r.orch.Regenerate(r.sessionID, r.lastMsgID)
		r.waitForGeneration(done)

	case "/delete":
		if len(fields) < 2 {
			fmt.Println("usage: /delete <message-id>")
			break
		}
		if err := r.orch.RemoveMessage(r.sessionID, fields[1]); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	case "/clear":
		if err := r.store.ClearSessions(); err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		sess, err := r.store.CreateSession()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		r.sessionID = sess.ID
		r.lastMsgID = ""

	case "/quit", "/exit":
		return true

	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
	return false
}
