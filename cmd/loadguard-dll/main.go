//go:build windows && cgo

// Command loadguard-dll builds the interception DLL:
//
//	go build -buildmode=c-shared -o loadguard.dll ./cmd/loadguard-dll
//
// The guard attaches when the DLL is loaded. Configuration comes from
// LOADGUARD_CONFIG and the other LOADGUARD_* variables.
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/agentsh/loadguard/internal/agent"
	"github.com/agentsh/loadguard/internal/config"
	"github.com/agentsh/loadguard/internal/logging"
	"github.com/agentsh/loadguard/internal/platform/windows"
)

var (
	mu     sync.Mutex
	ag     *agent.Agent
	logger = logging.Discard()
	closer io.Closer
)

func init() {
	attach()
}

func attach() {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("recovered panic during attach", "panic", fmt.Sprint(r))
		}
	}()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loadguard: config: %v\n", err)
		return
	}
	l, c, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loadguard: logging: %v\n", err)
		return
	}
	logger, closer = l, c

	loader, err := windows.NewLoader()
	if err != nil {
		logger.Error("platform not available, interception disabled", "error", err)
		return
	}

	mu.Lock()
	defer mu.Unlock()
	ag = agent.Start(cfg, loader, logger)
}

// LoadGuardSetBlacklist replaces the blacklist with count UTF-8 names.
// It returns the number of names stored, or -1 on error.
//
//export LoadGuardSetBlacklist
func LoadGuardSetBlacklist(names **C.char, count C.int) C.int {
	mu.Lock()
	defer mu.Unlock()
	if ag == nil || count < 0 || (names == nil && count > 0) {
		return -1
	}
	var list []string
	if count > 0 {
		for _, p := range unsafe.Slice(names, int(count)) {
			if p != nil {
				list = append(list, C.GoString(p))
			}
		}
	}
	n, err := ag.Guard().SetPolicy(list)
	if err != nil {
		logger.Warn("blacklist not replaced", "error", err)
		return -1
	}
	return C.int(n)
}

// LoadGuardDetach removes interception and stops the background services.
// The guard cannot be attached again in this process.
//
//export LoadGuardDetach
func LoadGuardDetach() {
	mu.Lock()
	defer mu.Unlock()
	if ag == nil {
		return
	}
	ag.Stop()
	if closer != nil {
		_ = closer.Close()
		closer = nil
		logger = logging.Discard()
	}
}

// LoadGuardState returns 0 (uninitialized), 1 (installed) or 2 (uninstalled),
// or -1 if the guard could not be created.
//
//export LoadGuardState
func LoadGuardState() C.int {
	mu.Lock()
	defer mu.Unlock()
	if ag == nil {
		return -1
	}
	return C.int(ag.Guard().State())
}

func main() {}
