// Package bridge 通过外部命令执行规划，便于接入本地模型或脚本化的规划器。
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"CarbonScope/internal/llm"
)

const defaultTimeout = 120 * time.Second

// Config 描述桥接命令的启动方式。
type Config struct {
	Command    string
	Args       []string
	WorkingDir string
	Timeout    time.Duration
}

// Planner 把对话历史写入子进程 stdin，并从 stdout 读取规划 JSON。
type Planner struct {
	command    string
	args       []string
	workingDir string
	timeout    time.Duration
}

// NewPlanner 创建命令桥接规划器。
func NewPlanner(cfg Config) (*Planner, error) {
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		return nil, errors.New("未配置桥接规划命令")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Planner{
		command:    command,
		args:       append([]string(nil), cfg.Args...),
		workingDir: cfg.WorkingDir,
		timeout:    timeout,
	}, nil
}

// Plan 执行一次子进程调用。历史以 JSON 数组写入 stdin，
// 期望 stdout 输出单个规划 JSON 对象。
func (p *Planner) Plan(ctx context.Context, history []string) (*llm.Plan, error) {
	input, err := json.Marshal(map[string]any{"history": history})
	if err != nil {
		return nil, fmt.Errorf("序列化规划输入失败: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.command, p.args...)
	if p.workingDir != "" {
		cmd.Dir = p.workingDir
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("桥接命令执行失败: %w: %s", err, detail)
		}
		return nil, fmt.Errorf("桥接命令执行失败: %w", err)
	}

	content := strings.TrimSpace(stdout.String())
	if content == "" {
		return nil, errors.New("桥接命令没有输出规划内容")
	}

	return llm.ParsePlanContent(content), nil
}
