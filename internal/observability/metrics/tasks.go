package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type taskCollector struct {
	mu          sync.Mutex
	tasksByEnd  map[string]uint64
	plannerCall uint64
	toolCalls   map[string]uint64
	simulations uint64
}

var engineCollector = &taskCollector{
	tasksByEnd: make(map[string]uint64),
	toolCalls:  make(map[string]uint64),
}

// ObserveTaskFinished records the terminal status of an agent task.
func ObserveTaskFinished(status string) {
	engineCollector.mu.Lock()
	engineCollector.tasksByEnd[status]++
	engineCollector.mu.Unlock()
}

// ObservePlannerCall records one planner invocation.
func ObservePlannerCall() {
	engineCollector.mu.Lock()
	engineCollector.plannerCall++
	engineCollector.mu.Unlock()
}

// ObserveToolCall records one tool invocation by tool name.
func ObserveToolCall(name string) {
	engineCollector.mu.Lock()
	engineCollector.toolCalls[name]++
	engineCollector.mu.Unlock()
}

// ObserveSimulation records one Monte Carlo simulation run.
func ObserveSimulation() {
	engineCollector.mu.Lock()
	engineCollector.simulations++
	engineCollector.mu.Unlock()
}

func (c *taskCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder

	builder.WriteString("# HELP carbonscope_tasks_finished_total Total number of agent tasks by terminal status.\n")
	builder.WriteString("# TYPE carbonscope_tasks_finished_total counter\n")
	statuses := make([]string, 0, len(c.tasksByEnd))
	for status := range c.tasksByEnd {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		builder.WriteString(fmt.Sprintf("carbonscope_tasks_finished_total{status=\"%s\"} %d\n",
			escape(status), c.tasksByEnd[status]))
	}

	builder.WriteString("# HELP carbonscope_planner_calls_total Total number of planner invocations.\n")
	builder.WriteString("# TYPE carbonscope_planner_calls_total counter\n")
	builder.WriteString(fmt.Sprintf("carbonscope_planner_calls_total %d\n", c.plannerCall))

	builder.WriteString("# HELP carbonscope_tool_calls_total Total number of tool invocations by tool name.\n")
	builder.WriteString("# TYPE carbonscope_tool_calls_total counter\n")
	names := make([]string, 0, len(c.toolCalls))
	for name := range c.toolCalls {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		builder.WriteString(fmt.Sprintf("carbonscope_tool_calls_total{tool=\"%s\"} %d\n",
			escape(name), c.toolCalls[name]))
	}

	builder.WriteString("# HELP carbonscope_simulations_total Total number of Monte Carlo simulation runs.\n")
	builder.WriteString("# TYPE carbonscope_simulations_total counter\n")
	builder.WriteString(fmt.Sprintf("carbonscope_simulations_total %d\n", c.simulations))

	return builder.String()
}
