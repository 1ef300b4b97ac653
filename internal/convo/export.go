package convo

import (
	"fmt"
	"strings"
	"time"
)

// Transcript 将任务的事件流渲染为可读的文本转录。
func Transcript(taskID string, events []Event) string {
	var builder strings.Builder
	builder.WriteString("CarbonScope conversation transcript\n")
	builder.WriteString(fmt.Sprintf("Task: %s\n", taskID))
	builder.WriteString(fmt.Sprintf("Generated: %s\n", time.Now().UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Events: %d\n", len(events)))
	builder.WriteString("====\n")

	for _, event := range events {
		builder.WriteString(fmt.Sprintf("[%s] %s\n", event.Timestamp.UTC().Format(time.RFC3339), strings.ToUpper(string(event.Type))))
		data := strings.TrimSpace(event.Data)
		if data != "" {
			builder.WriteString(data)
			builder.WriteString("\n")
		}
		builder.WriteString("----\n")
	}
	return builder.String()
}
