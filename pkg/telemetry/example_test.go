package telemetry_test

import (
	"context"
	"fmt"
	"os"

	"github.com/quanta/quanta/pkg/telemetry"
)

// Example_componentLogger shows component loggers with fields.
func Example_componentLogger() {
	logger := telemetry.NewWriterLogger(os.Stdout, "info")

	fuse := logger.NewComponentLogger("frames").WithRole("fuse")
	fuse.WithFrameIndex(42).Debug("hidden below info")

	fmt.Println("logged")
	// Output: logged
}

// Example_eventLog shows the fire-and-forget event sink.
func Example_eventLog() {
	cfg := telemetry.DefaultConfig()
	events := telemetry.NewEventLog(cfg.Events, telemetry.NopLogger())

	seen := make(chan telemetry.Event, 1)
	events.Subscribe(func(e telemetry.Event) { seen <- e },
		telemetry.FilterByClassification("registrar"))

	events.Log("registrar", telemetry.EventLevelWarning, "registrar", "pool exhausted", nil)
	e := <-seen
	_ = events.Shutdown(context.Background())

	fmt.Println(e.Identity, e.Level, e.Message)
	// Output: registrar warning pool exhausted
}
