package registry

import (
	"sync"

	"github.com/lightning-runtime/lightning/runtime/telemetry"
)

// The process-wide registries. Instruction-time and plan-time code paths
// reach them without threading instances around; tests construct their own
// instances or call Reset. Initialization order at startup is factory,
// then registries, then runtime.
var (
	singletonMu sync.Mutex
	toolTable   *ToolRegistry
	eventTable  *EventRegistry
)

// Tools returns the process-wide tool registry.
func Tools() *ToolRegistry {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if toolTable == nil {
		toolTable = NewToolRegistry(nil)
	}
	return toolTable
}

// Events returns the process-wide event registry.
func Events() *EventRegistry {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if eventTable == nil {
		eventTable = NewEventRegistry(nil)
	}
	return eventTable
}

// Initialize replaces the process-wide registries with fresh ones wired to
// the logger. Registrations made before Initialize are discarded.
func Initialize(logger telemetry.Logger) {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	toolTable = NewToolRegistry(logger)
	eventTable = NewEventRegistry(logger)
}

// Reset restores fresh empty registries.
func Reset() {
	Initialize(nil)
}
