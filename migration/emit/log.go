package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes one line per event to a writer.
//
// Supports two output modes:
//   - Text mode (default): [TYPE] workflow=... task=... step=N plus failure fields
//   - JSON mode: one JSON object per line (JSONL)
//
// Example text output:
//
//	[TASK_RETRYING] workflow=wf-1 task=copy-pages step=2 error="connection reset" kind=DEPENDENCY attempts=1 delay_ms=1000
//
// Example JSON output:
//
//	{"type":"TASK_STARTED","workflowId":"wf-1","taskId":"copy-pages","step":2,"time":"2024-01-01T00:00:00Z"}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer means os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes the event. Lines from concurrent workflows are not interleaved.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] workflow=%s", event.Type, event.WorkflowID)
	if event.TaskID != "" {
		fmt.Fprintf(l.writer, " task=%s", event.TaskID)
	}
	fmt.Fprintf(l.writer, " step=%d", event.Step)

	if event.Error != "" {
		fmt.Fprintf(l.writer, " error=%q", event.Error)
	}
	if event.Kind != "" {
		fmt.Fprintf(l.writer, " kind=%s", event.Kind)
	}
	if event.Attempts > 0 {
		fmt.Fprintf(l.writer, " attempts=%d", event.Attempts)
	}
	if event.DelayMs > 0 {
		fmt.Fprintf(l.writer, " delay_ms=%d", event.DelayMs)
	}
	if event.Msg != "" {
		fmt.Fprintf(l.writer, " msg=%q", event.Msg)
	}

	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}

	fmt.Fprintln(l.writer)
}
