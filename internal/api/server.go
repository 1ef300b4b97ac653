package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"CarbonScope/internal/agent"
	xerrors "CarbonScope/internal/errors"
	"CarbonScope/internal/observability/metrics"
	"CarbonScope/internal/runner"
	"CarbonScope/internal/tool"
	loggerpkg "CarbonScope/pkg/logger"
)

// Server 负责暴露 REST 接口，供外部驱动智能体执行。
type Server struct {
	addr     string
	runner   *runner.Runner
	registry *tool.Registry
	apiKeys  map[string]struct{}
}

// Option 定义可选的 Server 配置。
type Option func(*Server)

// WithAPIKeys 启用 API Key 校验。列表为空时所有请求直接放行。
func WithAPIKeys(keys []string) Option {
	return func(s *Server) {
		for _, key := range keys {
			key = strings.TrimSpace(key)
			if key != "" {
				s.apiKeys[key] = struct{}{}
			}
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, run *runner.Runner, registry *tool.Registry, opts ...Option) *Server {
	server := &Server{
		addr:     addr,
		runner:   run,
		registry: registry,
		apiKeys:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}
	return server
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整路由，供测试直接挂载。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks", s.observed("tasks", s.authed(s.handleTasks)))
	mux.HandleFunc("/api/v1/tasks/", s.observed("task_detail", s.authed(s.handleTaskSubpath)))
	mux.HandleFunc("/api/v1/tools", s.observed("tools", s.authed(s.handleTools)))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// submitRequest 是任务提交的请求体。
type submitRequest struct {
	Prompt        string         `json:"prompt"`
	Params        map[string]any `json:"params,omitempty"`
	NotifyChannel string         `json:"notify_channel,omitempty"`
	Sync          bool           `json:"sync,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, "Runner 未初始化", http.StatusServiceUnavailable)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		http.Error(w, "prompt 不能为空", http.StatusBadRequest)
		return
	}

	agentReq := agent.Request{
		Prompt:        req.Prompt,
		Params:        req.Params,
		NotifyChannel: req.NotifyChannel,
	}

	if req.Sync {
		result, err := s.runner.RunTask(r.Context(), agentReq)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	id, err := s.runner.StartTask(agentReq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": id,
		"status":  string(runner.StatusPending),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	if s.runner == nil {
		http.Error(w, "Runner 未初始化", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.runner.List())
}

// handleTaskSubpath 分派 /api/v1/tasks/{id}[/events|/export|/stream]。
func (s *Server) handleTaskSubpath(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, "Runner 未初始化", http.StatusServiceUnavailable)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	id := parts[0]
	if id == "" {
		http.Error(w, "缺少任务 ID", http.StatusBadRequest)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		task, err := s.runner.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case action == "" && r.Method == http.MethodDelete:
		if err := s.runner.CancelTask(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "cancelling"})
	case action == "events" && r.Method == http.MethodGet:
		events, err := s.runner.TaskHistory(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	case action == "export" && r.Method == http.MethodGet:
		transcript, err := s.runner.ExportTranscript(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(transcript))
	case action == "stream" && r.Method == http.MethodGet:
		s.handleStream(w, r, id)
	default:
		http.Error(w, "未知的任务操作", http.StatusNotFound)
	}
}

// handleStream 以 SSE 推送任务的增量更新，直到任务结束或连接断开。
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, id string) {
	stream, err := s.runner.Stream(id)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "当前连接不支持流式推送", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case delta, open := <-stream.Deltas():
			if !open {
				return
			}
			payload, err := json.Marshal(delta)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: " + string(delta.Type) + "\n"))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// toolInfo 是工具清单的响应结构。
type toolInfo struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Schema      tool.Schema `json:"schema"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.registry == nil {
		http.Error(w, "工具注册表未初始化", http.StatusServiceUnavailable)
		return
	}
	tools := make([]toolInfo, 0, s.registry.Count())
	for _, t := range s.registry.List() {
		tools = append(tools, toolInfo{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	writeJSON(w, http.StatusOK, tools)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authed 校验 X-API-Key 请求头，未配置密钥时直接放行。
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.apiKeys) == 0 {
			next(w, r)
			return
		}
		key := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if _, ok := s.apiKeys[key]; !ok {
			loggerpkg.Audit().Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"status", http.StatusUnauthorized,
			)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// observed 记录请求指标与审计日志。
func (s *Server) observed(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		duration := time.Since(start)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, duration)
		loggerpkg.Audit().Info("api_request",
			"handler", name,
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration_ms", duration.Milliseconds(),
		)
	}
}

// statusRecorder 包装 http.ResponseWriter 以捕获响应状态码。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush 透传 Flusher，保证 SSE 在包装后仍可用。
func (w *statusRecorder) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 按错误码映射 HTTP 状态。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict:
		status = http.StatusConflict
	case xerrors.CodeTaskCancelled:
		status = http.StatusConflict
	case xerrors.CodeMaxStepsExceeded:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{
		"code":  string(xerrors.CodeOf(err)),
		"error": err.Error(),
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
