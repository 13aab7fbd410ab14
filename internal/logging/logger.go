package logging

import (
	"log"
	"os"
	"strings"
)

// defaultComponent tags log lines from callers that pass no name.
const defaultComponent = "PULSEWATCH"

// New returns a stdout logger tagged with the component name so the
// interleaved output of workers, scheduler and relay stays
// attributable. Names are uppercased for a uniform prefix column.
func New(component string) *log.Logger {
	component = strings.ToUpper(strings.TrimSpace(component))
	if component == "" {
		component = defaultComponent
	}
	return log.New(os.Stdout, "["+component+"] ", log.LstdFlags|log.Lmicroseconds)
}
